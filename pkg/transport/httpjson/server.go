package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/observability/tracing"
	"github.com/amirimatin/go-ipset/pkg/transport"
)

// Server exposes the control handler over HTTP with JSON bodies, plus
// /healthz and Prometheus /metrics.
type Server struct {
	bind   string
	logger *log.Logger
	tlsCfg *tls.Config

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
	return &Server{bind: bind, logger: logutil.OrDefault(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the route table without starting a listener.
func (s *Server) Handler(h transport.ControlHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/ipset/add", post(func(ctx context.Context, r *http.Request) (any, error) {
		var req transport.MembersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, badRequest(err)
		}
		ctx, end := tracing.StartSpan(ctx, "http.ipset.add")
		defer end()
		return h.Add(ctx, req)
	}))
	mux.HandleFunc("/ipset/del", post(func(ctx context.Context, r *http.Request) (any, error) {
		var req transport.MembersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, badRequest(err)
		}
		ctx, end := tracing.StartSpan(ctx, "http.ipset.del")
		defer end()
		return h.Delete(ctx, req)
	}))
	mux.HandleFunc("/ipset/flush", post(func(ctx context.Context, _ *http.Request) (any, error) {
		ctx, end := tracing.StartSpan(ctx, "http.ipset.flush")
		defer end()
		return h.Flush(ctx)
	}))
	mux.HandleFunc("/ipset/show", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req transport.ShowRequest
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, fmt.Sprintf("bad limit %q", v), http.StatusBadRequest)
				return
			}
			req.Limit = n
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.ipset.show")
		defer end()
		resp, err := h.Show(ctx, req)
		writeJSON(w, resp, err)
	})
	mux.HandleFunc("/sockopt", post(func(ctx context.Context, r *http.Request) (any, error) {
		var req transport.SockoptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, badRequest(err)
		}
		ctx, end := tracing.StartSpan(ctx, "http.sockopt", "op", strconv.Itoa(req.Op))
		defer end()
		return h.Sockopt(ctx, req)
	}))
	return mux
}

var errBadRequest = errors.New("bad request")

func badRequest(err error) error { return fmt.Errorf("%w: %v", errBadRequest, err) }

func post(fn func(ctx context.Context, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp, err := fn(r.Context(), r)
		if errors.Is(err, errBadRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, resp, err)
	}
}

func writeJSON(w http.ResponseWriter, resp any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(StatusCode(err))
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// StatusCode maps a control error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ipset.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ipset.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, ipset.ErrChannelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ipset.ErrOutOfMemory):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// Start listens and serves h until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context, h transport.ControlHandler) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: s.Handler(h), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "httpjson: server error: %v", err)
		}
	}()
	logutil.Infof(s.logger, "httpjson: serving control API on %s", ln.Addr())
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.ControlServer = (*Server)(nil)
