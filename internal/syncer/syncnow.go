package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/store"
)

// SyncNow runs one full cycle: push everything pending, then pull from the
// stored watermark. Push always completes before pull starts, so the pull
// never overwrites a local change that was about to be sent.
//
// A second call while one is running fails immediately with
// ErrSyncInProgress. On a push or pull failure the partial report is
// returned along with the error.
func (e *Engine) SyncNow(ctx context.Context) (*SyncReport, error) {
	if !e.running.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Release(1)

	ctx, span := e.tracer.Start(ctx, "sync.now")
	defer span.End()

	started := e.clock.Now()
	report := &SyncReport{StartedAt: started, Conflicts: []model.Conflict{}}

	finish := func(result string, err error) (*SyncReport, error) {
		report.CompletedAt = e.clock.Now()
		report.Duration = report.CompletedAt.Sub(report.StartedAt)
		e.metrics.ObserveRun(result, report.Duration)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Warn("sync failed", zap.String("stage", result), zap.Error(err))
			return report, err
		}
		span.SetAttributes(attribute.Int("clinsync.sync.conflicts", len(report.Conflicts)))
		e.logger.Info("sync finished",
			zap.Duration("duration", report.Duration),
			zap.Int("pushed", report.Push.TotalPushed),
			zap.Int("pulled", report.Pull.TotalPulled),
			zap.Int("conflicts", len(report.Conflicts)))
		return report, nil
	}

	push, err := e.Push(ctx)
	report.Push = push
	if push != nil {
		report.Conflicts = append(report.Conflicts, push.Conflicts...)
	}
	if err != nil {
		return finish("push_failed", fmt.Errorf("sync push: %w", err))
	}

	since, err := e.store.PullWatermark(ctx)
	if err != nil {
		return finish("pull_failed", fmt.Errorf("sync: %w", err))
	}
	pull, err := e.Pull(ctx, since)
	report.Pull = pull
	if pull != nil {
		report.Conflicts = append(report.Conflicts, pull.Conflicts...)
	}
	if err != nil {
		return finish("pull_failed", fmt.Errorf("sync pull: %w", err))
	}

	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		if pull.Watermark != nil {
			if err := tx.SetTime(ctx, store.MetaPullWatermark, *pull.Watermark); err != nil {
				return err
			}
		}
		if !pulled(pull) {
			return nil
		}
		return tx.SetTime(ctx, store.MetaLastSyncAt, e.clock.Now())
	})
	if err != nil {
		return finish("pull_failed", fmt.Errorf("sync: %w", err))
	}

	result := "ok"
	if len(push.Errors) > 0 || len(pull.Errors) > 0 {
		result = "partial"
	}
	return finish(result, nil)
}

// pulled reports whether the pull reached the authority. Only such a cycle
// counts as a sync in LastSyncAt.
func pulled(res *PullResult) bool {
	return !slices.ContainsFunc(res.Errors, func(se *SyncError) bool {
		return se.Code == CodeTransport
	})
}

// Run syncs once immediately and then every interval until ctx is done.
// Failed cycles are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("run: interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.SyncNow(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrSyncInProgress):
				e.logger.Debug("sync skipped, previous cycle still running")
			default:
				e.logger.Error("sync cycle failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
