// Package bootstrap assembles a running set daemon from a config.Config: the
// core engine, the control service, the initial member load and the
// management listener.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirimatin/go-ipset/pkg/config"
	"github.com/amirimatin/go-ipset/pkg/control"
	"github.com/amirimatin/go-ipset/pkg/dataplane"
	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	"github.com/amirimatin/go-ipset/pkg/loader"
	obsmetrics "github.com/amirimatin/go-ipset/pkg/observability/metrics"
	tlsx "github.com/amirimatin/go-ipset/pkg/security/tlsconfig"
	"github.com/amirimatin/go-ipset/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-ipset/pkg/transport/grpc"
	"github.com/amirimatin/go-ipset/pkg/transport/httpjson"
)

// Config is the file configuration plus the runtime-only hooks.
type Config struct {
	config.Config

	// Poll runs on every core loop iteration; see dataplane.PollFunc.
	Poll dataplane.PollFunc
	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger
}

// Daemon owns the engine and the management server for one process.
type Daemon struct {
	Engine  *dataplane.Engine
	Service *control.Service
	Server  transport.ControlServer
	Loaded  loader.Result

	cfg Config
	log *log.Logger

	runErr  chan error
	closeMu sync.Mutex
	closed  bool
}

// Build wires the components without starting anything. Cores are
// initialized and empty.
func Build(cfg Config) (*Daemon, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	lg := logutil.OrDefault(cfg.Logger)
	logutil.SetJSON(cfg.Log.JSON)
	logutil.SetDebug(cfg.Log.Debug)
	obsmetrics.Register()

	eng, err := dataplane.New(dataplane.Options{
		Cores:       cfg.Cores,
		Master:      cfg.Master,
		Disabled:    cfg.Disabled,
		Buckets:     cfg.Buckets,
		MaxEntries:  cfg.MaxEntries,
		QueueDepth:  cfg.QueueDepth,
		DrainBudget: cfg.DrainBudget,
		Poll:        cfg.Poll,
		Logger:      lg,
	})
	if err != nil {
		return nil, err
	}
	svc := control.NewService(eng, lg)

	srvTLS, err := ServerTLS(cfg.Mgmt.TLS)
	if err != nil {
		return nil, err
	}
	var srv transport.ControlServer
	switch cfg.Mgmt.Proto {
	case "grpc":
		s := mgmtgrpc.NewServer(cfg.Mgmt.Addr, lg)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		srv = s
	default:
		s := httpjson.NewServer(cfg.Mgmt.Addr, lg)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		srv = s
	}
	return &Daemon{Engine: eng, Service: svc, Server: srv, cfg: cfg, log: lg}, nil
}

// ServerTLS returns the management listener TLS config, nil when disabled.
func ServerTLS(t config.TLS) (*tls.Config, error) {
	return tlsOptions(t).Server()
}

// ClientTLS returns the management client TLS config, nil when disabled.
func ClientTLS(t config.TLS) (*tls.Config, error) {
	return tlsOptions(t).Client()
}

func tlsOptions(t config.TLS) tlsx.Options {
	return tlsx.Options{
		Enable:             t.Enable,
		CAFile:             t.CA,
		CertFile:           t.Cert,
		KeyFile:            t.Key,
		InsecureSkipVerify: t.SkipVerify,
		ServerName:         t.ServerName,
	}
}

// Start loads the initial members, starts the core loops and then the
// management listener. Load failures are logged and the daemon starts with
// whatever was loaded.
func (d *Daemon) Start(ctx context.Context) error {
	res, err := loader.Load(ctx, loader.Options{Path: d.cfg.Members.Path, Env: d.cfg.Members.Env, Logger: d.log}, d.Service)
	d.Loaded = res
	if err != nil {
		logutil.Warnf(d.log, "bootstrap: continuing after member load: %v", err)
	}
	if err := d.Engine.MarkBootstrapped(); err != nil {
		return err
	}

	d.runErr = make(chan error, 1)
	go func() { d.runErr <- d.Engine.Run(ctx) }()

	if err := d.Server.Start(ctx, d.Service.Handler()); err != nil {
		return fmt.Errorf("bootstrap: management server: %w", err)
	}
	logutil.Infof(d.log, "bootstrap: %d cores up, master %d, mgmt %s on %s",
		len(d.Engine.Cores()), d.Engine.Master(), d.proto(), d.Server.Addr())
	return nil
}

func (d *Daemon) proto() string {
	if d.cfg.Mgmt.Proto == "" {
		return "http"
	}
	return d.cfg.Mgmt.Proto
}

// Wait blocks until the core loops stop and returns their error. A loop
// stopped by context cancellation is not an error.
func (d *Daemon) Wait() error {
	if d.runErr == nil {
		return nil
	}
	err := <-d.runErr
	d.runErr <- err
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the management server, waits for the core loops (the caller's
// context must already be cancelled) and terminates the engine.
func (d *Daemon) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopErr := d.Server.Stop(ctx)
	runErr := d.Wait()
	return errors.Join(stopErr, runErr, d.Engine.Terminate())
}

// Run builds and starts the daemon. The caller cancels ctx and then calls
// Close when finished.
func Run(ctx context.Context, cfg Config) (*Daemon, error) {
	d, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}
