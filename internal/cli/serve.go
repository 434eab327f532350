package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convtrack/internal/gateway"
	"github.com/roach88/convtrack/internal/metrics"
	"github.com/roach88/convtrack/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
	Metrics  bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector gateway",
		Long: `Run the first-party collector gateway.

The gateway accepts session init and conversion calls from the storefront,
keeps attribution in HttpOnly cookies, and forwards attributed conversions
to the affiliate postback endpoint. Deduplication markers are kept in a
SQLite database, created if it does not exist.

Flags override the config file, which overrides the defaults. The
CONVTRACK_* environment variables override both.

Example:
  convtrack serve --config ./convtrack.yaml
  convtrack serve --addr :9090 --db /var/lib/convtrack/convtrack.db -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", true, "serve Prometheus metrics on /metrics")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.Logger(cmd.ErrOrStderr())

	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Gateway.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	dbPath := cfg.Gateway.DB
	if opts.Database != "" {
		dbPath = opts.Database
	}

	gcfg := cfg.GatewayConfig()
	if gcfg.CampaignCode == "" || gcfg.PostbackKey == "" {
		logger.Warn("campaign code or postback key not configured, postbacks will be rejected by the network")
	}

	logger.Info("opening database", "path", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	if n, err := st.Jar().PurgeExpired(context.Background(), time.Now()); err != nil {
		logger.Warn("failed to purge expired slots", "error", err)
	} else if n > 0 {
		logger.Info("purged expired slots", "count", n)
	}

	gwOpts := []gateway.Option{gateway.WithLogger(logger)}
	if opts.Metrics {
		gwOpts = append(gwOpts, gateway.WithMetrics(metrics.New()))
	}
	gw := gateway.New(gcfg, st, gwOpts...)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.ListenAndServe(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "gateway error", err)
	}
	return nil
}
