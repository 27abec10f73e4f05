package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/remote"
	"github.com/roach88/clinsync/internal/store"
	"github.com/roach88/clinsync/internal/testutil"
)

// testBackoff is deterministic: 1s, 2s, 4s, 5s, 5s...
var testBackoff = BackoffConfig{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}

// fixture is one client replica wired to an in-process authority.
type fixture struct {
	t         *testing.T
	ctx       context.Context
	clock     *testutil.FakeClock
	store     *store.Store
	mem       *remote.MemoryAuthorityStore
	authority *remote.Authority
	endpoint  *fakeEndpoint
	engine    *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg, err := policy.Default()
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock(testutil.Epoch)
	mem := remote.NewMemoryAuthorityStore()
	authority := remote.NewAuthority(mem, reg, clock, nil)
	ep := &fakeEndpoint{next: authority}

	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = testBackoff
	}
	eng := New(st, ep, reg,
		WithConfig(cfg),
		WithClock(clock),
		WithIDGenerator(testutil.NewSequenceIDs("c")),
	)
	return &fixture{
		t:         t,
		ctx:       context.Background(),
		clock:     clock,
		store:     st,
		mem:       mem,
		authority: authority,
		endpoint:  ep,
		engine:    eng,
	}
}

// create writes a new local entity through the unit of work.
func (f *fixture) create(entityType, id string, payload model.Object, mutate ...func(*model.Entity)) *model.Entity {
	f.t.Helper()
	e := &model.Entity{Type: entityType, ID: id, Payload: payload}
	for _, m := range mutate {
		m(e)
	}
	uow := f.store.NewUnitOfWork()
	uow.Add(e)
	require.NoError(f.t, uow.Commit(f.ctx))
	return f.get(entityType, id)
}

// update loads an entity, applies fn and commits it.
func (f *fixture) update(entityType, id string, fn func(*model.Entity)) *model.Entity {
	f.t.Helper()
	e := f.get(entityType, id)
	fn(e)
	uow := f.store.NewUnitOfWork()
	uow.Update(e)
	require.NoError(f.t, uow.Commit(f.ctx))
	return f.get(entityType, id)
}

func (f *fixture) remove(entityType, id string) {
	f.t.Helper()
	e := f.get(entityType, id)
	uow := f.store.NewUnitOfWork()
	uow.Remove(e)
	require.NoError(f.t, uow.Commit(f.ctx))
}

func (f *fixture) get(entityType, id string) *model.Entity {
	f.t.Helper()
	e, err := f.store.GetEntity(f.ctx, entityType, id)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) push() *PushResult {
	f.t.Helper()
	res, err := f.engine.Push(f.ctx)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) pull(since *time.Time) *PullResult {
	f.t.Helper()
	res, err := f.engine.Pull(f.ctx, since)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) status() model.QueueStatus {
	f.t.Helper()
	st, err := f.engine.QueueStatus(f.ctx)
	require.NoError(f.t, err)
	return st
}

// seedRemote stages a version another client already pushed.
func (f *fixture) seedRemote(e *model.Entity, changedAt time.Time) {
	e.SyncState = model.SyncSynced
	if e.ModifiedByUserID == "" {
		e.ModifiedByUserID = "other-device"
	}
	f.mem.Seed(remote.Record{Entity: *e, ChangedAt: changedAt})
}

func (f *fixture) remoteRecord(entityType, id string) *remote.Record {
	f.t.Helper()
	rec, err := f.mem.Get(f.ctx, model.EntityRef{Type: entityType, ID: id})
	require.NoError(f.t, err)
	return rec
}

// fakeEndpoint forwards to the authority unless a failure is staged.
type fakeEndpoint struct {
	next remote.Endpoint

	mu         sync.Mutex
	pushErr    error
	changesErr error
	pushCalls  int
	// beforePush runs before each push is forwarded.
	beforePush func(ctx context.Context) error
}

func (f *fakeEndpoint) Push(ctx context.Context, items []remote.PushItem) ([]remote.PushOutcome, error) {
	f.mu.Lock()
	f.pushCalls++
	err, hook := f.pushErr, f.beforePush
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	return f.next.Push(ctx, items)
}

func (f *fakeEndpoint) Changes(ctx context.Context, since *time.Time, limit int) ([]remote.Record, error) {
	f.mu.Lock()
	err := f.changesErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.next.Changes(ctx, since, limit)
}

func (f *fakeEndpoint) failPush(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
}

func (f *fakeEndpoint) failChanges(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changesErr = err
}

func (f *fakeEndpoint) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushCalls
}

func patient(name string) model.Object {
	return model.Object{"name": model.String(name)}
}

func note(body string) model.Object {
	return model.Object{
		"patient_id":   model.String("P1"),
		"author_id":    model.String("dr-1"),
		"note_type":    model.String("progress"),
		"encounter_at": model.String("2026-01-15T08:00:00Z"),
		"body":         model.String(body),
	}
}

func ptr[T any](v T) *T {
	return &v
}
