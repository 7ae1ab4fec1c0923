package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-ipset/pkg/bootstrap"
	"github.com/amirimatin/go-ipset/pkg/config"
	"github.com/amirimatin/go-ipset/pkg/internal/logutil"
	tracing "github.com/amirimatin/go-ipset/pkg/observability/tracing"
	"github.com/amirimatin/go-ipset/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-ipset/pkg/transport/grpc"
	"github.com/amirimatin/go-ipset/pkg/transport/httpjson"
)

// AddAll attaches the daemon and client subcommands to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewAddCmd())
	root.AddCommand(NewDelCmd())
	root.AddCommand(NewFlushCmd())
	root.AddCommand(NewShowCmd())
}

// NewIPSetCommand returns a parent "ipset" command holding all subcommands,
// for embedding in a larger CLI.
func NewIPSetCommand() *cobra.Command {
	parent := &cobra.Command{Use: "ipset", Short: "address set commands"}
	AddAll(parent)
	return parent
}

// NewRunCmd returns the "run" command that starts the daemon. Flags that are
// set explicitly override the config file.
func NewRunCmd() *cobra.Command {
	var (
		cfgPath, membersPath, mgmtAddr, mgmtProto string
		cores, disabled                           []int
		master, buckets, maxEntries               int
		traceEnable, logJSON, logDebug            bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the set daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("cores") {
				cfg.Cores = cores
			}
			if fl.Changed("master") {
				cfg.Master = master
			}
			if fl.Changed("disabled") {
				cfg.Disabled = disabled
			}
			if fl.Changed("buckets") {
				cfg.Buckets = buckets
			}
			if fl.Changed("max-entries") {
				cfg.MaxEntries = maxEntries
			}
			if fl.Changed("members") {
				cfg.Members.Path = membersPath
			}
			if fl.Changed("mgmt-addr") {
				cfg.Mgmt.Addr = mgmtAddr
			}
			if fl.Changed("mgmt-proto") {
				cfg.Mgmt.Proto = mgmtProto
			}
			if fl.Changed("trace") {
				cfg.Tracing = traceEnable
			}
			if fl.Changed("log-json") {
				cfg.Log.JSON = logJSON
			}
			if fl.Changed("log-debug") {
				cfg.Log.Debug = logDebug
			}
			if err := applyTLSFlags(cmd, &cfg.Mgmt.TLS); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if cfg.Tracing {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			d, err := bootstrap.Run(ctx, bootstrap.Config{Config: cfg, Logger: log.Default()})
			if err != nil {
				return err
			}
			logutil.Infof(log.Default(), "ipset daemon running; press Ctrl+C to exit")
			<-ctx.Done()
			return d.Close()
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "/etc/ipset/ipset.yaml", "YAML config file (missing file: defaults)")
	cmd.Flags().IntSliceVar(&cores, "cores", nil, "configured core ids")
	cmd.Flags().IntVar(&master, "master", 0, "master core id")
	cmd.Flags().IntSliceVar(&disabled, "disabled", nil, "configured but disabled core ids")
	cmd.Flags().IntVar(&buckets, "buckets", 0, "buckets per replica (power of two)")
	cmd.Flags().IntVar(&maxEntries, "max-entries", 0, "max members per replica (0: unbounded)")
	cmd.Flags().StringVar(&membersPath, "members", "", "member file or glob read at startup")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management protocol: http|grpc")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "log JSON lines")
	cmd.Flags().BoolVar(&logDebug, "log-debug", false, "log debug messages")
	addTLSFlags(cmd, "node")
	return cmd
}

type clientFlags struct {
	addr, proto string
	timeout     time.Duration
}

func addClientFlags(cmd *cobra.Command, cf *clientFlags) {
	cmd.Flags().StringVar(&cf.addr, "addr", "127.0.0.1:17946", "management address of the daemon (host:port)")
	cmd.Flags().StringVar(&cf.proto, "mgmt-proto", "http", "management protocol: http|grpc")
	cmd.Flags().DurationVar(&cf.timeout, "timeout", 3*time.Second, "request timeout")
	addTLSFlags(cmd, "client")
}

func addTLSFlags(cmd *cobra.Command, who string) {
	cmd.Flags().Bool("tls-enable", false, "enable mTLS for management transport")
	cmd.Flags().String("tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().String("tls-cert", "", fmt.Sprintf("path to %s certificate (PEM)", who))
	cmd.Flags().String("tls-key", "", fmt.Sprintf("path to %s private key (PEM)", who))
	cmd.Flags().Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().String("tls-server-name", "", "expected server name (for TLS validation)")
}

// applyTLSFlags copies explicitly set TLS flags into t.
func applyTLSFlags(cmd *cobra.Command, t *config.TLS) error {
	fl := cmd.Flags()
	var err error
	if fl.Changed("tls-enable") {
		if t.Enable, err = fl.GetBool("tls-enable"); err != nil {
			return err
		}
	}
	if fl.Changed("tls-skip-verify") {
		if t.SkipVerify, err = fl.GetBool("tls-skip-verify"); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*string{
		"tls-ca":          &t.CA,
		"tls-cert":        &t.Cert,
		"tls-key":         &t.Key,
		"tls-server-name": &t.ServerName,
	} {
		if !fl.Changed(name) {
			continue
		}
		if *dst, err = fl.GetString(name); err != nil {
			return err
		}
	}
	return nil
}

func newClient(cmd *cobra.Command, cf clientFlags) (transport.ControlClient, func(), error) {
	var t config.TLS
	if err := applyTLSFlags(cmd, &t); err != nil {
		return nil, nil, err
	}
	cliTLS, err := bootstrap.ClientTLS(t)
	if err != nil {
		return nil, nil, fmt.Errorf("tls client config: %w", err)
	}
	switch cf.proto {
	case "grpc":
		c := mgmtgrpc.NewClient(cf.timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, c.Close, nil
	case "", "http":
		c := httpjson.NewClient(cf.timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown mgmt proto %q", cf.proto)
	}
}

// clientCmd builds a client subcommand around call.
func clientCmd(use, short string, args cobra.PositionalArgs, call func(ctx context.Context, c transport.ControlClient, addr string, args []string) (any, error)) *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := newClient(cmd, cf)
			if err != nil {
				return err
			}
			defer closeFn()
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			out, err := call(ctx, client, cf.addr, args)
			if out != nil {
				if encErr := writeJSON(cmd.OutOrStdout(), out); encErr != nil && err == nil {
					err = encErr
				}
			}
			if err != nil {
				return fmt.Errorf("%s error: %w", cmd.Name(), err)
			}
			return nil
		},
	}
	addClientFlags(cmd, &cf)
	return cmd
}

// NewAddCmd returns "add ADDR...".
func NewAddCmd() *cobra.Command {
	return clientCmd("add ADDR...", "Add addresses to the set on every core", cobra.MinimumNArgs(1),
		func(ctx context.Context, c transport.ControlClient, addr string, args []string) (any, error) {
			resp, err := c.Add(ctx, addr, transport.MembersRequest{Members: args})
			return resp, err
		})
}

// NewDelCmd returns "del ADDR...".
func NewDelCmd() *cobra.Command {
	return clientCmd("del ADDR...", "Delete addresses from the set on every core", cobra.MinimumNArgs(1),
		func(ctx context.Context, c transport.ControlClient, addr string, args []string) (any, error) {
			resp, err := c.Delete(ctx, addr, transport.MembersRequest{Members: args})
			return resp, err
		})
}

// NewFlushCmd returns "flush".
func NewFlushCmd() *cobra.Command {
	return clientCmd("flush", "Remove every address on every core", cobra.NoArgs,
		func(ctx context.Context, c transport.ControlClient, addr string, _ []string) (any, error) {
			resp, err := c.Flush(ctx, addr)
			return resp, err
		})
}

// NewShowCmd returns "show".
func NewShowCmd() *cobra.Command {
	var limit int
	cmd := clientCmd("show", "List the master core's members", cobra.NoArgs,
		func(ctx context.Context, c transport.ControlClient, addr string, _ []string) (any, error) {
			resp, err := c.Show(ctx, addr, transport.ShowRequest{Limit: limit})
			return resp, err
		})
	cmd.Flags().IntVar(&limit, "limit", 0, "max members to list (0: all)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
