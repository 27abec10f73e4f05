package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/clinical"
	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/remote"
	"github.com/roach88/clinsync/internal/stamp"
	"github.com/roach88/clinsync/internal/store"
	"github.com/roach88/clinsync/internal/syncer"
	"github.com/roach88/clinsync/internal/testutil"
)

// scenarioBackoff makes retry times predictable: 1s, 2s, 4s, then 5s.
var scenarioBackoff = syncer.BackoffConfig{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}

// Harness is one client replica, its authority and the shared clock.
type Harness struct {
	store     *store.Store
	engine    *syncer.Engine
	service   *clinical.Service
	authority *remote.Authority
	records   remote.AuthorityStore
	endpoint  *switchEndpoint
	policies  *policy.Registry
	clock     *testutil.FakeClock
	user      string
}

// Options configures Run.
type Options struct {
	// Policies defaults to policy.Default().
	Policies *policy.Registry
	Logger   *zap.Logger
}

// Run executes a scenario on a fresh in-memory replica and returns the
// result. A non-nil error means the scenario could not be executed at all;
// step and assertion failures are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	reg := opts.Policies
	if reg == nil {
		var err error
		if reg, err = policy.Default(); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(testutil.Epoch)
	records := remote.NewMemoryAuthorityStore()
	authority := remote.NewAuthority(records, reg, clock, logger.Named("authority"))
	ep := &switchEndpoint{next: authority}

	cfg := syncer.Config{Backoff: scenarioBackoff}
	if c := scenario.Config; c != nil {
		cfg.BatchSize = c.BatchSize
		cfg.PullPageSize = c.PageSize
		cfg.MaxRetries = c.MaxRetries
	}

	h := &Harness{
		store: st,
		engine: syncer.New(st, ep, reg,
			syncer.WithConfig(cfg),
			syncer.WithClock(clock),
			syncer.WithIDGenerator(testutil.NewSequenceIDs("c")),
			syncer.WithLogger(logger.Named("syncer")),
		),
		service: clinical.NewService(st, reg,
			clinical.WithClock(clock),
			clinical.WithIDGenerator(testutil.NewSequenceIDs("r")),
			clinical.WithLogger(logger.Named("clinical")),
		),
		authority: authority,
		records:   records,
		endpoint:  ep,
		policies:  reg,
		clock:     clock,
		user:      scenario.User,
	}
	if h.user == "" {
		h.user = DefaultUser
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		outcome, data, err := h.execute(ctx, step)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			outcome, data = CaseError, map[string]any{"error": err.Error()}
		}
		result.AddTrace(step.Do, step.Entity, outcome, data)

		if step.Expect == nil {
			if outcome == CaseError {
				result.AddError(fmt.Sprintf("step %d (%s): %v", i+1, step.Do, err))
			}
			continue
		}
		if outcome != step.Expect.Case {
			result.AddError(fmt.Sprintf("step %d (%s): expected case %q, got %q %v",
				i+1, step.Do, step.Expect.Case, outcome, data))
			continue
		}
		if msg := matchSubset(data, step.Expect.Result); msg != "" {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i+1, step.Do, msg))
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.assert(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
	return result, nil
}

func (h *Harness) principal(ctx context.Context, step Step) context.Context {
	user := step.User
	if user == "" {
		user = h.user
	}
	return stamp.WithPrincipal(ctx, user)
}

func (h *Harness) execute(ctx context.Context, step Step) (string, map[string]any, error) {
	ref, _ := parseRef(step.Entity)
	pctx := h.principal(ctx, step)

	switch step.Do {
	case StepWrite:
		return h.write(pctx, ref, step.Payload)

	case StepDelete:
		e, err := h.store.GetEntity(ctx, ref.Type, ref.ID)
		if err != nil {
			return "", nil, err
		}
		uow := h.store.NewUnitOfWork()
		uow.Remove(e)
		if err := uow.Commit(pctx); err != nil {
			return "", nil, err
		}
		return CaseOK, nil, nil

	case StepNote:
		patient := step.Patient
		if patient == "" {
			patient = "P1"
		}
		n, err := h.service.CreateNote(pctx, clinical.NoteInput{
			ID:          ref.ID,
			PatientID:   patient,
			NoteType:    "progress",
			EncounterAt: h.clock.Now(),
			Body:        step.Body,
		})
		if err != nil {
			return "", nil, err
		}
		return CaseOK, map[string]any{"sync_state": string(n.SyncState)}, nil

	case StepSign:
		_, res, err := h.service.SignNote(pctx, ref.ID)
		if err != nil {
			return "", nil, err
		}
		return CaseOK, map[string]any{"warnings": len(res.Warnings())}, nil

	case StepAddendum:
		add, err := h.service.AddAddendum(pctx, ref.ID, step.Body)
		if err != nil {
			return "", nil, err
		}
		return CaseOK, map[string]any{"addendum": add.Ref().String()}, nil

	case StepRemoteWrite:
		return h.remoteWrite(ctx, step, ref, model.OpUpdate)

	case StepRemoteDelete:
		return h.remoteWrite(ctx, step, ref, model.OpDelete)

	case StepAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return "", nil, err
		}
		now := h.clock.Advance(d)
		return CaseOK, map[string]any{"now": now.Format(time.RFC3339)}, nil

	case StepOffline, StepOnline:
		h.endpoint.setOffline(step.Do == StepOffline)
		return CaseOK, nil, nil

	case StepPush:
		res, err := h.engine.Push(ctx)
		if err != nil {
			return "", nil, err
		}
		return CaseOK, pushSummary(res), nil

	case StepPull:
		since, err := h.store.PullWatermark(ctx)
		if err != nil {
			return "", nil, err
		}
		res, err := h.engine.Pull(ctx, since)
		if err != nil {
			return "", nil, err
		}
		if res.Watermark != nil {
			if err := h.engine.SaveWatermark(ctx, *res.Watermark); err != nil {
				return "", nil, err
			}
		}
		return CaseOK, pullSummary(res), nil

	case StepSync:
		rep, err := h.engine.SyncNow(ctx)
		if err != nil {
			return "", nil, err
		}
		out := map[string]any{}
		for k, v := range pushSummary(rep.Push) {
			out["push_"+k] = v
		}
		for k, v := range pullSummary(rep.Pull) {
			out["pull_"+k] = v
		}
		return CaseOK, out, nil

	case StepResolve:
		return h.resolve(pctx, step)

	case StepRecover:
		n, err := h.engine.Recover(ctx)
		if err != nil {
			return "", nil, err
		}
		return CaseOK, map[string]any{"recovered": n}, nil
	}
	return "", nil, fmt.Errorf("unknown step %q", step.Do)
}

// write creates the entity or merges payload into the stored one.
func (h *Harness) write(ctx context.Context, ref model.EntityRef, fields map[string]any) (string, map[string]any, error) {
	payload, err := toObject(fields)
	if err != nil {
		return "", nil, err
	}

	uow := h.store.NewUnitOfWork()
	cur, err := h.store.GetEntity(ctx, ref.Type, ref.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		uow.Add(&model.Entity{Type: ref.Type, ID: ref.ID, Payload: payload})
	case err != nil:
		return "", nil, err
	default:
		if cur.Payload == nil {
			cur.Payload = model.Object{}
		}
		for k, v := range payload {
			cur.Payload[k] = v
		}
		uow.Update(cur)
	}
	if err := uow.Commit(ctx); err != nil {
		return "", nil, err
	}
	return CaseOK, nil, nil
}

// remoteWrite plays another device pushing a change straight to the
// authority after having seen its current version.
func (h *Harness) remoteWrite(ctx context.Context, step Step, ref model.EntityRef, op model.Operation) (string, map[string]any, error) {
	user := step.User
	if user == "" {
		user = RemoteUser
	}
	cur, err := h.records.Get(ctx, ref)
	if err != nil {
		return "", nil, err
	}

	var e *model.Entity
	var observed *time.Time
	if cur != nil {
		e = cur.Entity.Clone()
		if e.Payload == nil {
			e.Payload = model.Object{}
		}
		t := cur.Entity.LastModifiedUTC
		observed = &t
	} else {
		if op == model.OpDelete {
			return "", nil, fmt.Errorf("remote has no %s", ref)
		}
		op = model.OpCreate
		e = &model.Entity{Type: ref.Type, ID: ref.ID, Payload: model.Object{}}
	}

	payload, err := toObject(step.Payload)
	if err != nil {
		return "", nil, err
	}
	for k, v := range payload {
		e.Payload[k] = v
	}
	e.LastModifiedUTC = model.Timestamp(h.clock.Now())
	e.ModifiedByUserID = user
	e.Deleted = false
	if step.Sign {
		p, err := h.policies.Lookup(ref.Type)
		if err != nil {
			return "", nil, err
		}
		if e.SignatureHash, err = (clinical.DigestSigner{}).Sign(ctx, ref, user, p.GovernedContent(e.Payload)); err != nil {
			return "", nil, err
		}
	}

	item := remote.ItemFromEntity(e, op)
	item.ObservedRemoteUTC = observed
	outs, err := h.authority.Push(ctx, []remote.PushItem{item})
	if err != nil {
		return "", nil, err
	}
	out := map[string]any{"status": string(outs[0].Status)}
	if outs[0].Reason != "" {
		out["reason"] = outs[0].Reason
	}
	return CaseOK, out, nil
}

func (h *Harness) resolve(ctx context.Context, step Step) (string, map[string]any, error) {
	choice, err := syncer.ParseChoice(step.Choice)
	if err != nil {
		return "", nil, err
	}
	open, err := h.engine.Conflicts(ctx, store.ConflictFilter{OpenOnly: true})
	if err != nil {
		return "", nil, err
	}
	if step.Conflict > len(open) {
		return "", nil, fmt.Errorf("conflict %d: only %d open", step.Conflict, len(open))
	}
	c, err := h.engine.ResolveConflict(ctx, open[step.Conflict-1].ID, choice)
	if err != nil {
		return "", nil, err
	}
	return CaseOK, map[string]any{"conflict": c.ID, "resolution": string(c.Resolution)}, nil
}

func pushSummary(res *syncer.PushResult) map[string]any {
	if res == nil {
		return map[string]any{}
	}
	out := map[string]any{
		"pushed":    res.TotalPushed,
		"success":   res.SuccessCount,
		"failure":   res.FailureCount,
		"conflicts": res.ConflictCount,
	}
	if len(res.Errors) > 0 {
		out["errors"] = len(res.Errors)
	}
	return out
}

func pullSummary(res *syncer.PullResult) map[string]any {
	if res == nil {
		return map[string]any{}
	}
	out := map[string]any{
		"pulled":    res.TotalPulled,
		"applied":   res.AppliedCount,
		"skipped":   res.SkippedCount,
		"conflicts": res.ConflictCount,
	}
	if len(res.Errors) > 0 {
		out["errors"] = len(res.Errors)
	}
	return out
}

func toObject(fields map[string]any) (model.Object, error) {
	obj := model.Object{}
	for k, v := range fields {
		conv, err := model.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("payload[%q]: %w", k, err)
		}
		obj[k] = conv
	}
	return obj, nil
}

// switchEndpoint forwards to the authority unless switched offline.
type switchEndpoint struct {
	next remote.Endpoint

	mu      sync.Mutex
	offline bool
}

func (s *switchEndpoint) setOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

func (s *switchEndpoint) down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

func (s *switchEndpoint) Push(ctx context.Context, items []remote.PushItem) ([]remote.PushOutcome, error) {
	if s.down() {
		return nil, fmt.Errorf("%w: offline", remote.ErrUnavailable)
	}
	return s.next.Push(ctx, items)
}

func (s *switchEndpoint) Changes(ctx context.Context, since *time.Time, limit int) ([]remote.Record, error) {
	if s.down() {
		return nil, fmt.Errorf("%w: offline", remote.ErrUnavailable)
	}
	return s.next.Changes(ctx, since, limit)
}
