package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/clinical"
	"github.com/roach88/clinsync/internal/config"
	"github.com/roach88/clinsync/internal/logging"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/remote"
	"github.com/roach88/clinsync/internal/stamp"
	"github.com/roach88/clinsync/internal/store"
	"github.com/roach88/clinsync/internal/syncer"
	"github.com/roach88/clinsync/internal/telemetry"
)

// appEnv is everything a command needs to work on the local replica.
type appEnv struct {
	cfg      *config.Config
	logger   *zap.Logger
	policies *policy.Registry
	store    *store.Store
	engine   *syncer.Engine
	service  *clinical.Service

	// registry is set when the environment was opened with metrics.
	registry *prometheus.Registry

	closers []func()
}

type envOptions struct {
	// metrics registers sync metrics and the queue collector.
	metrics bool
}

// base is the part of the environment that does not touch the replica.
type base struct {
	cfg      *config.Config
	logger   *zap.Logger
	policies *policy.Registry
	closers  []func()
}

func openBase(cmd *cobra.Command, opts *RootOptions) (*base, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Writer:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	b := &base{cfg: cfg, logger: logger, closers: []func(){closeLog}}

	if err := telemetry.Init(cmd.Context(), telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "clinsync",
		Version:     Version,
		Writer:      cmd.ErrOrStderr(),
	}); err != nil {
		b.close()
		return nil, WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	b.closers = append(b.closers, func() { telemetry.Shutdown(context.Background()) })

	if cfg.PolicyFile != "" {
		b.policies, err = policy.Load(cfg.PolicyFile)
	} else {
		b.policies, err = policy.Default()
	}
	if err != nil {
		b.close()
		return nil, WrapExitError(ExitCommandError, "failed to load policies", err)
	}
	return b, nil
}

func (b *base) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// openEnv loads configuration and opens the replica and its engine. The
// caller must call close.
func openEnv(cmd *cobra.Command, opts *RootOptions, eo envOptions) (*appEnv, error) {
	b, err := openBase(cmd, opts)
	if err != nil {
		return nil, err
	}
	cfg := b.cfg

	st, err := store.Open(cfg.Database)
	if err != nil {
		b.close()
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open database %s", cfg.Database), err)
	}
	b.closers = append(b.closers, func() {
		if err := st.Close(); err != nil {
			b.logger.Warn("close store", zap.Error(err))
		}
	})

	ep := remote.NewHTTPClient(cfg.Remote.URL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithDeviceID(cfg.DeviceID),
	)

	env := &appEnv{
		cfg:      cfg,
		logger:   b.logger,
		policies: b.policies,
		store:    st,
	}
	engineOpts := []syncer.Option{
		syncer.WithConfig(cfg.Sync.Engine()),
		syncer.WithLogger(b.logger.Named("syncer")),
	}
	if eo.metrics {
		env.registry = telemetry.NewRegistry(st)
		engineOpts = append(engineOpts, syncer.WithMetrics(telemetry.NewSyncMetrics(env.registry)))
	}
	env.engine = syncer.New(st, ep, b.policies, engineOpts...)
	env.service = clinical.NewService(st, b.policies, clinical.WithLogger(b.logger.Named("clinical")))
	env.closers = b.closers

	b.logger.Debug("replica opened",
		zap.String("database", cfg.Database),
		zap.String("remote", cfg.Remote.URL),
		zap.String("user", cfg.UserID))
	return env, nil
}

func (e *appEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// ctx binds the configured user to the command context.
func (e *appEnv) ctx(cmd *cobra.Command) context.Context {
	return stamp.WithPrincipal(cmd.Context(), e.cfg.UserID)
}

// requireUser fails when no principal is configured for a clinical action.
func (e *appEnv) requireUser() error {
	if e.cfg.UserID == "" {
		return NewExitError(ExitCommandError, "no user configured (set --user, user_id or CLINSYNC_USER_ID)")
	}
	return nil
}
