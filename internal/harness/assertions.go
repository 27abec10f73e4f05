package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("expected %s, actual %s", e.Expected, e.Actual)
}

func (h *Harness) assert(ctx context.Context, a Assertion) error {
	ref, _ := parseRef(a.Entity)

	switch a.Type {
	case AssertEntity:
		e, err := h.store.GetEntity(ctx, ref.Type, ref.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return expectSubset(a.Type, entitySummary(e), a.Expect)

	case AssertRemote:
		rec, err := h.records.Get(ctx, ref)
		if err != nil {
			return err
		}
		var e *model.Entity
		if rec != nil {
			e = &rec.Entity
		}
		return expectSubset(a.Type, entitySummary(e), a.Expect)

	case AssertQueue:
		st, err := h.store.QueueStatus(ctx)
		if err != nil {
			return err
		}
		return expectSubset(a.Type, queueSummary(st), a.Expect)

	case AssertConflicts:
		conflicts, err := h.store.ListConflicts(ctx, store.ConflictFilter{EntityType: ref.Type, EntityID: ref.ID})
		if err != nil {
			return err
		}
		if a.Count != nil && len(conflicts) != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d conflicts", *a.Count),
				Actual:   fmt.Sprintf("%d conflicts", len(conflicts)),
			}
		}
		if len(a.Expect) == 0 {
			return nil
		}
		if len(conflicts) == 0 {
			return &AssertionError{Type: a.Type, Expected: formatMap(a.Expect), Actual: "no conflicts"}
		}
		return expectSubset(a.Type, conflictSummary(conflicts[len(conflicts)-1]), a.Expect)

	case AssertAudit:
		entries, err := h.store.ListAudit(ctx, ref)
		if err != nil {
			return err
		}
		actions := make([]string, 0, len(entries))
		for _, e := range entries {
			actions = append(actions, e.Action)
		}
		if !slices.Equal(actions, a.Actions) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%v", a.Actions),
				Actual:   fmt.Sprintf("%v", actions),
			}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func entitySummary(e *model.Entity) map[string]any {
	if e == nil {
		return map[string]any{"exists": false}
	}
	out := map[string]any{
		"exists":        true,
		"sync_state":    string(e.SyncState),
		"signed":        e.Signed(),
		"deleted":       e.Deleted,
		"modified_by":   e.ModifiedByUserID,
		"last_modified": e.LastModifiedUTC.Format(time.RFC3339),
		"lock_holder":   e.LockHolder,
	}
	for k, v := range e.Payload {
		out["payload."+k] = plain(v)
	}
	return out
}

func queueSummary(st model.QueueStatus) map[string]any {
	return map[string]any{
		"pending":    st.PendingCount,
		"processing": st.ProcessingCount,
		"failed":     st.FailedCount,
		"exhausted":  st.ExhaustedCount,
		"completed":  st.CompletedCount,
		"conflict":   st.ConflictCount,
	}
}

func conflictSummary(c model.Conflict) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"entity":     c.Ref().String(),
		"phase":      string(c.Phase),
		"kind":       string(c.Kind),
		"reason":     c.Reason,
		"resolution": string(c.Resolution),
	}
}

// plain converts a payload value to the Go value YAML would decode for it.
// Arrays and objects compare as canonical JSON.
func plain(v model.Value) any {
	switch val := v.(type) {
	case model.String:
		return string(val)
	case model.Int:
		return int64(val)
	case model.Bool:
		return bool(val)
	case model.Null:
		return nil
	}
	b, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func expectSubset(kind string, actual, expected map[string]any) error {
	if msg := matchSubset(actual, expected); msg != "" {
		return &AssertionError{Type: kind, Expected: formatMap(expected), Actual: msg}
	}
	return nil
}

// matchSubset returns "" when every expected key is present in actual with
// an equal value, and a description of the first mismatch otherwise.
func matchSubset(actual, expected map[string]any) string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			return fmt.Sprintf("%s missing", k)
		}
		if !valuesEqual(got, expected[k]) {
			return fmt.Sprintf("%s = %v, want %v", k, got, expected[k])
		}
	}
	return ""
}

// valuesEqual compares scalars, treating all integer types as int64.
func valuesEqual(actual, expected any) bool {
	a, aok := asInt(actual)
	e, eok := asInt(expected)
	if aok || eok {
		return aok && eok && a == e
	}
	return reflect.DeepEqual(actual, expected)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func formatMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}
