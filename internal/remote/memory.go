package remote

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

// MemoryAuthorityStore is an in-process AuthorityStore for tests and the
// demo server.
type MemoryAuthorityStore struct {
	mu      sync.RWMutex
	records map[model.EntityRef]Record
}

// NewMemoryAuthorityStore returns an empty store.
func NewMemoryAuthorityStore() *MemoryAuthorityStore {
	return &MemoryAuthorityStore{records: make(map[model.EntityRef]Record)}
}

// Get implements AuthorityStore.
func (m *MemoryAuthorityStore) Get(_ context.Context, ref model.EntityRef) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[ref]
	if !ok {
		return nil, nil
	}
	out := cloneRecord(rec)
	return &out, nil
}

// Put implements AuthorityStore.
func (m *MemoryAuthorityStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Entity.Ref()] = cloneRecord(rec)
	return nil
}

// Since implements AuthorityStore.
func (m *MemoryAuthorityStore) Since(_ context.Context, since *time.Time, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records {
		if since != nil && !rec.ChangedAt.After(*since) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.ChangedAt.Compare(b.ChangedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Entity.Ref().String(), b.Entity.Ref().String())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastChangedAt implements AuthorityStore.
func (m *MemoryAuthorityStore) LastChangedAt(_ context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, rec := range m.records {
		if rec.ChangedAt.After(last) {
			last = rec.ChangedAt
		}
	}
	return last, nil
}

// Seed writes a record as given, bypassing the authority's decisions.
// Tests use it to stage what another client already pushed.
func (m *MemoryAuthorityStore) Seed(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Entity.Ref()] = cloneRecord(rec)
}

func cloneRecord(rec Record) Record {
	e := rec.Entity.Clone()
	return Record{Entity: *e, ChangedAt: rec.ChangedAt}
}
