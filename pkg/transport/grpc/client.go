package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/transport"
)

// Client calls ipset.v1.Control. Connections are cached per address.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close releases cached connections.
func (c *Client) Close() {
	if c.cm != nil {
		c.cm.Close()
		c.cm = nil
	}
}

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
	// Use JSON codec and set content subtype accordingly.
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dial)
	}
	cc, rel, err := c.cm.Get(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return fromStatus(cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out, grpc.WaitForReady(true)))
}

// fromStatus turns a gRPC status back into a sentinel-matchable error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = ipset.ErrInvalidArgument
	case codes.Unimplemented:
		sentinel = ipset.ErrNotSupported
	case codes.Unavailable:
		sentinel = ipset.ErrChannelUnavailable
	case codes.ResourceExhausted:
		sentinel = ipset.ErrOutOfMemory
	default:
		return err
	}
	return fmt.Errorf("%w (remote: %s)", sentinel, st.Message())
}

func (c *Client) Add(ctx context.Context, addr string, req transport.MembersRequest) (transport.MutationResponse, error) {
	var out transport.MutationResponse
	err := c.invoke(ctx, addr, "Add", &req, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, addr string, req transport.MembersRequest) (transport.MutationResponse, error) {
	var out transport.MutationResponse
	err := c.invoke(ctx, addr, "Delete", &req, &out)
	return out, err
}

func (c *Client) Flush(ctx context.Context, addr string) (transport.FlushResponse, error) {
	var out transport.FlushResponse
	err := c.invoke(ctx, addr, "Flush", &empty{}, &out)
	return out, err
}

func (c *Client) Show(ctx context.Context, addr string, req transport.ShowRequest) (transport.ShowResponse, error) {
	var out transport.ShowResponse
	err := c.invoke(ctx, addr, "Show", &req, &out)
	return out, err
}

func (c *Client) Sockopt(ctx context.Context, addr string, req transport.SockoptRequest) (transport.SockoptResponse, error) {
	var out transport.SockoptResponse
	err := c.invoke(ctx, addr, "Sockopt", &req, &out)
	return out, err
}

var _ transport.ControlClient = (*Client)(nil)
