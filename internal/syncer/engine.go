package syncer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/clinsync/internal/guard"
	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/remote"
	"github.com/roach88/clinsync/internal/stamp"
	"github.com/roach88/clinsync/internal/store"
	"github.com/roach88/clinsync/internal/telemetry"
)

const scopeName = "github.com/roach88/clinsync/internal/syncer"

// Config tunes the pipelines.
type Config struct {
	// BatchSize is the number of queue items claimed and pushed at once.
	BatchSize int
	// PullPageSize is the number of remote changes requested per call.
	PullPageSize int
	// MaxRetries bounds transport retries for newly enqueued items.
	MaxRetries int
	// ClaimTimeout is how long a processing claim may go unsettled before
	// RecoverStale treats its drain as dead.
	ClaimTimeout time.Duration
	Backoff      BackoffConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PullPageSize: 500,
		MaxRetries:   model.DefaultMaxRetries,
		ClaimTimeout: 10 * time.Minute,
		Backoff:      DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = d.PullPageSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}

// Engine is the client side of replication: it owns the local write path
// (guard, stamp, enqueue), the push and pull pipelines and their
// orchestration.
//
// Thread-safety model:
//   - Enqueue, QueueStatus, Conflicts: safe from any goroutine
//   - Push, Pull: safe to overlap; the queue's exclusive claim keeps two
//     drains off the same item
//   - SyncNow: overlapping calls are rejected with ErrSyncInProgress
type Engine struct {
	store    *store.Store
	remote   remote.Endpoint
	policies *policy.Registry
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *telemetry.SyncMetrics
	cfg      Config

	running *semaphore.Weighted
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets pipeline tuning. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the conflict id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer used for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics records per-item outcomes and sync runs.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine over st and ep and installs the local write path on
// st: every unit-of-work commit is checked against the immutability guard,
// stamped, and enqueued for push, in that order and in the same
// transaction. Create at most one Engine per Store.
func New(st *store.Store, ep remote.Endpoint, policies *policy.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		remote:   ep,
		policies: policies,
		clock:    SystemClock{},
		ids:      UUIDv7Generator{},
		logger:   zap.NewNop(),
		tracer:   telemetry.Tracer(scopeName),
		cfg:      DefaultConfig(),
		running:  semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()

	st.Use(
		store.InterceptorFunc(e.guardLocal),
		stamp.New(e.clock),
		store.InterceptorFunc(e.enqueueLocal),
	)
	return e
}

// Store returns the engine's local store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Policies returns the entity policy registry.
func (e *Engine) Policies() *policy.Registry {
	return e.policies
}

// Enqueue records an intent to replicate an entity. It is local and
// synchronous. An unknown entity type fails with
// policy.ErrUnknownEntityType.
func (e *Engine) Enqueue(ctx context.Context, entityType, entityID string, op model.Operation) (model.QueueItem, error) {
	if _, err := e.policies.Lookup(entityType); err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	ref := model.EntityRef{Type: entityType, ID: entityID}
	item, err := e.store.Enqueue(ctx, ref, op, e.clock.Now(), e.cfg.MaxRetries)
	if err != nil {
		return item, err
	}
	e.logger.Debug("enqueued",
		zap.String("entity", ref.String()),
		zap.String("operation", string(op)),
		zap.Int64("item", item.ID))
	return item, nil
}

// QueueStatus summarizes the queue. Pure read.
func (e *Engine) QueueStatus(ctx context.Context) (model.QueueStatus, error) {
	return e.store.QueueStatus(ctx)
}

// Recover requeues items a crashed or cancelled drain left processing.
// Call it once at startup, before the first push.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	n, err := e.store.RecoverAbandoned(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("recovered abandoned queue items", zap.Int("count", n))
	}
	return n, nil
}

// RecoverStale requeues items whose claim is older than the claim timeout.
// One-shot commands run it before pushing; a drain still holding a fresh
// claim keeps it.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	now := e.clock.Now()
	n, err := e.store.RecoverStale(ctx, now.Add(-e.cfg.ClaimTimeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("recovered stale queue claims", zap.Int("count", n),
			zap.Duration("claim_timeout", e.cfg.ClaimTimeout))
	}
	return n, nil
}

// Prune deletes completed queue items older than age.
func (e *Engine) Prune(ctx context.Context, age time.Duration) (int64, error) {
	return e.store.PruneCompleted(ctx, e.clock.Now().Add(-age))
}

// guardLocal rejects local writes to unknown types and writes that alter
// signed content.
func (e *Engine) guardLocal(ctx context.Context, _ *store.Tx, entries []*store.Entry) error {
	for _, entry := range entries {
		ent, ok := entry.Entity()
		if !ok {
			continue
		}
		p, err := e.policies.Lookup(ent.Type)
		if err != nil {
			return fmt.Errorf("commit %s: %w", ent.Ref(), err)
		}
		if err := guard.CheckLocal(p, entry.Previous, ent); err != nil {
			return err
		}
	}
	return nil
}

// enqueueLocal queues every committed entity change for push.
func (e *Engine) enqueueLocal(ctx context.Context, tx *store.Tx, entries []*store.Entry) error {
	now := e.clock.Now()
	for _, entry := range entries {
		ent, ok := entry.Entity()
		if !ok {
			continue
		}
		op := model.OpUpdate
		switch {
		case ent.Deleted:
			op = model.OpDelete
		case entry.Previous == nil:
			op = model.OpCreate
		}
		if _, err := tx.Enqueue(ctx, ent.Ref(), op, now, e.cfg.MaxRetries); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) newConflict(phase model.Phase, kind model.ConflictKind, reason string, resolution model.Resolution, local, remote *model.Entity) model.Conflict {
	now := model.Timestamp(e.clock.Now())
	c := model.Conflict{
		ID:                   e.ids.NewID(),
		EntityType:           local.Type,
		EntityID:             local.ID,
		Phase:                phase,
		Kind:                 kind,
		Reason:               reason,
		LocalModifiedUTC:     local.LastModifiedUTC,
		RemoteModifiedUTC:    remote.LastModifiedUTC,
		Resolution:           resolution,
		LocalPayload:         local.Payload.Clone(),
		RemotePayload:        remote.Payload.Clone(),
		RemoteSignatureHash:  remote.SignatureHash,
		RemoteDeleted:        remote.Deleted,
		RemoteLockHolder:     remote.LockHolder,
		RemoteLockExpiresUTC: remote.LockExpiresUTC,
		DetectedAt:           now,
	}
	if resolution != model.ResolutionPending {
		c.ResolvedAt = &now
	}
	return c
}

// applyRemote replaces the local row with the authority's version.
func applyRemote(ctx context.Context, tx *store.Tx, remote *model.Entity) error {
	if remote.Deleted {
		return tx.PurgeEntity(ctx, remote.Ref())
	}
	r := remote.Clone()
	r.SyncState = model.SyncSynced
	return tx.PutEntity(ctx, r)
}

// supersede returns a timestamp strictly after every given one and no
// earlier than now.
func supersede(now time.Time, after ...time.Time) time.Time {
	ts := model.Timestamp(now)
	for _, t := range after {
		if floor := t.Add(model.TimePrecision); ts.Before(floor) {
			ts = floor
		}
	}
	return ts
}
