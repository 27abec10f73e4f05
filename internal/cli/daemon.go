package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/clinsync/internal/syncer"
	"github.com/roach88/clinsync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync in the background and serve metrics",
		Long: `Run the sync loop until interrupted: recover abandoned queue items, then
sync every --interval, prune completed items hourly, and serve Prometheus
metrics on --metrics-addr at /metrics.

Example:
  clinsync daemon --user dr-1 --remote https://sync.example.org --interval 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd, rootOpts, envOptions{metrics: true})
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signal.NotifyContext(env.ctx(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, env)
		},
	}
	cmd.Flags().Duration("interval", time.Minute, "time between sync cycles")
	cmd.Flags().String("metrics-addr", ":9650", "listen address for /metrics (empty disables)")
	return cmd
}

func runDaemon(ctx context.Context, env *appEnv) error {
	logger := env.logger

	n, err := env.engine.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover queue", err)
	}
	if n > 0 {
		logger.Info("recovered abandoned queue items", zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := env.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler(env.registry))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		serveHTTP(gctx, g, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, logger.Named("metrics"))
	}

	g.Go(func() error {
		return env.engine.Run(gctx, env.cfg.Sync.Interval)
	})
	g.Go(func() error {
		pruneLoop(gctx, env.engine, env.cfg.Sync.PruneAfter, logger)
		return nil
	})

	logger.Info("daemon started",
		zap.Duration("interval", env.cfg.Sync.Interval),
		zap.String("metrics", env.cfg.Metrics.Addr))
	err = g.Wait()
	logger.Info("daemon stopped")
	return err
}

func pruneLoop(ctx context.Context, e *syncer.Engine, age time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Prune(ctx, age)
			if err != nil {
				logger.Warn("prune failed", zap.Error(err))
				continue
			}
			logger.Debug("pruned queue", zap.Int64("deleted", n))
		}
	}
}

// serveHTTP runs srv in g and shuts it down when ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, logger *zap.Logger) {
	g.Go(func() error {
		l, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
		logger.Info("listening", zap.String("addr", l.Addr().String()))
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
