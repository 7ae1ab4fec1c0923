package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/observability/tracing"
	"github.com/amirimatin/go-ipset/pkg/transport"
)

const serviceName = "ipset.v1.Control"

// Server implements transport.ControlServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	tlsCfg *tls.Config
	logger *log.Logger

	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server
}

func NewServer(bind string, logger *log.Logger) *Server {
	return &Server{bind: bind, logger: logutil.OrDefault(logger)}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}

// controlServer is the handler type behind the hand-written descriptor.
type controlServer interface {
	Add(ctx context.Context, in *transport.MembersRequest) (*transport.MutationResponse, error)
	Delete(ctx context.Context, in *transport.MembersRequest) (*transport.MutationResponse, error)
	Flush(ctx context.Context, in *empty) (*transport.FlushResponse, error)
	Show(ctx context.Context, in *transport.ShowRequest) (*transport.ShowResponse, error)
	Sockopt(ctx context.Context, in *transport.SockoptRequest) (*transport.SockoptResponse, error)
}

type controlImpl struct{ h transport.ControlHandler }

func (c *controlImpl) Add(ctx context.Context, in *transport.MembersRequest) (*transport.MutationResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.ipset.add")
	defer end()
	out, err := c.h.Add(ctx, *in)
	return &out, toStatus(err)
}

func (c *controlImpl) Delete(ctx context.Context, in *transport.MembersRequest) (*transport.MutationResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.ipset.del")
	defer end()
	out, err := c.h.Delete(ctx, *in)
	return &out, toStatus(err)
}

func (c *controlImpl) Flush(ctx context.Context, _ *empty) (*transport.FlushResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.ipset.flush")
	defer end()
	out, err := c.h.Flush(ctx)
	return &out, toStatus(err)
}

func (c *controlImpl) Show(ctx context.Context, in *transport.ShowRequest) (*transport.ShowResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.ipset.show")
	defer end()
	out, err := c.h.Show(ctx, *in)
	return &out, toStatus(err)
}

func (c *controlImpl) Sockopt(ctx context.Context, in *transport.SockoptRequest) (*transport.SockoptResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.sockopt", "op", strconv.Itoa(in.Op))
	defer end()
	out, err := c.h.Sockopt(ctx, *in)
	return &out, toStatus(err)
}

// toStatus carries the sentinel class of err as a gRPC code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, ipset.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, ipset.ErrNotSupported):
		code = codes.Unimplemented
	case errors.Is(err, ipset.ErrChannelUnavailable):
		code = codes.Unavailable
	case errors.Is(err, ipset.ErrOutOfMemory):
		code = codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Control_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Add", Handler: _Control_Add_Handler},
		{MethodName: "Delete", Handler: _Control_Delete_Handler},
		{MethodName: "Flush", Handler: _Control_Flush_Handler},
		{MethodName: "Show", Handler: _Control_Show_Handler},
		{MethodName: "Sockopt", Handler: _Control_Sockopt_Handler},
	},
}

// unary builds a method handler decoding into a fresh *Req.
func unary[Req any, Resp any](method string, call func(controlServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(controlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(controlServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	_Control_Add_Handler     = unary("Add", controlServer.Add)
	_Control_Delete_Handler  = unary("Delete", controlServer.Delete)
	_Control_Flush_Handler   = unary("Flush", controlServer.Flush)
	_Control_Show_Handler    = unary("Show", controlServer.Show)
	_Control_Sockopt_Handler = unary("Sockopt", controlServer.Sockopt)
)

func (s *Server) Start(ctx context.Context, h transport.ControlHandler) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// Force JSON codec to avoid requiring protobuf types
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&_Control_serviceDesc, &controlImpl{h: h})

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logutil.Errorf(s.logger, "grpc: server error: %v", err)
		}
	}()
	logutil.Infof(s.logger, "grpc: serving %s on %s", serviceName, lis.Addr())
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

// Stop drains in-flight calls, forcing a stop after 2s or when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	case <-time.After(2 * time.Second):
		srv.Stop()
	}
	return nil
}

var _ transport.ControlServer = (*Server)(nil)
