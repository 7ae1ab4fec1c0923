package transport

import "context"

// ControlHandler serves the administrative set operations. Transports decode
// requests into these calls and encode the responses; errors that a response
// can describe are reported in its Error field.
type ControlHandler interface {
	Add(ctx context.Context, req MembersRequest) (MutationResponse, error)
	Delete(ctx context.Context, req MembersRequest) (MutationResponse, error)
	Flush(ctx context.Context) (FlushResponse, error)
	Show(ctx context.Context, req ShowRequest) (ShowResponse, error)
	Sockopt(ctx context.Context, req SockoptRequest) (SockoptResponse, error)
}

// ControlServer exposes a ControlHandler on a management listener.
type ControlServer interface {
	Start(ctx context.Context, h ControlHandler) error
	Addr() string
	Stop(ctx context.Context) error
}

// ControlClient calls a remote ControlServer at addr.
type ControlClient interface {
	Add(ctx context.Context, addr string, req MembersRequest) (MutationResponse, error)
	Delete(ctx context.Context, addr string, req MembersRequest) (MutationResponse, error)
	Flush(ctx context.Context, addr string) (FlushResponse, error)
	Show(ctx context.Context, addr string, req ShowRequest) (ShowResponse, error)
	Sockopt(ctx context.Context, addr string, req SockoptRequest) (SockoptResponse, error)
}
