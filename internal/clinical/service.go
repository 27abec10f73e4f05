// Package clinical implements the clinician-facing actions on synced
// records: note drafting and signing, addenda and intake session locks.
//
// Every action commits through the store's unit of work, so it is stamped
// and queued for push by whatever interceptors the sync engine installed,
// and writes its audit entry in the same transaction.
package clinical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/clinsync/internal/guard"
	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
	"github.com/roach88/clinsync/internal/stamp"
	"github.com/roach88/clinsync/internal/store"
)

// Entity types handled here.
const (
	TypeNote     = "ClinicalNote"
	TypeAddendum = "Addendum"
	TypeIntake   = "IntakeSession"
)

var (
	// ErrAlreadySigned is returned when signing a signed note.
	ErrAlreadySigned = errors.New("note already signed")
	// ErrNotSigned is returned when an addendum targets an unsigned note.
	ErrNotSigned = errors.New("note is not signed")
	// ErrLockHeld is returned when another user holds an intake lock.
	ErrLockHeld = errors.New("intake session locked by another user")
)

// LockError reports who holds a contended intake lock.
type LockError struct {
	Ref     model.EntityRef
	Holder  string
	Expires time.Time
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%s: %s: held by %s until %s", e.Ref, ErrLockHeld, e.Holder, e.Expires.Format(time.RFC3339))
}

func (e *LockError) Unwrap() error {
	return ErrLockHeld
}

// Clock supplies wall time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator supplies record and audit ids.
type IDGenerator interface {
	NewID() string
}

type uuidV7 struct{}

func (uuidV7) NewID() string { return uuid.Must(uuid.NewV7()).String() }

// Service performs clinical actions against a local store.
type Service struct {
	store    *store.Store
	policies *policy.Registry
	gate     *Gate
	signer   Signer
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithGate replaces the default rule gate.
func WithGate(g *Gate) Option {
	return func(s *Service) { s.gate = g }
}

// WithSigner replaces the digest signer.
func WithSigner(sg Signer) Option {
	return func(s *Service) { s.signer = sg }
}

// WithClock sets the time source used for locks and rule evaluation.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator sets the id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service over st.
func NewService(st *store.Store, policies *policy.Registry, opts ...Option) *Service {
	s := &Service{
		store:    st,
		policies: policies,
		gate:     NewDefaultGate(),
		signer:   DigestSigner{},
		clock:    systemClock{},
		ids:      uuidV7{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NoteInput is the content of a new note. ID is generated when empty.
type NoteInput struct {
	ID          string
	PatientID   string
	NoteType    string
	EncounterAt time.Time
	Body        string
}

// CreateNote adds an unsigned note authored by the principal bound to ctx.
func (s *Service) CreateNote(ctx context.Context, in NoteInput) (*model.Entity, error) {
	if in.PatientID == "" {
		return nil, fmt.Errorf("create note: patient id is required")
	}
	id := in.ID
	if id == "" {
		id = s.ids.NewID()
	}
	author := stamp.PrincipalFrom(ctx)
	note := &model.Entity{
		Type: TypeNote,
		ID:   id,
		Payload: model.Object{
			"patient_id":   model.String(in.PatientID),
			"author_id":    model.String(author),
			"note_type":    model.String(in.NoteType),
			"encounter_at": model.String(in.EncounterAt.UTC().Format(time.RFC3339)),
			"body":         model.String(in.Body),
			"addenda":      model.Array{},
		},
	}

	uow := s.store.NewUnitOfWork()
	uow.Add(note)
	uow.Add(s.audit(ctx, "note.created", note.Ref(), ""))
	if err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	return s.reload(ctx, note.Ref())
}

// UpdateDraft replaces the body of an unsigned note.
func (s *Service) UpdateDraft(ctx context.Context, noteID, body string) (*model.Entity, error) {
	note, err := s.load(ctx, TypeNote, noteID)
	if err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	if note.Signed() {
		return nil, &guard.ImmutableError{Ref: note.Ref(), Detail: "signed notes accept addenda only"}
	}
	note.Payload["body"] = model.String(body)

	uow := s.store.NewUnitOfWork()
	uow.Update(note)
	uow.Add(s.audit(ctx, "note.updated", note.Ref(), ""))
	if err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	return s.reload(ctx, note.Ref())
}

// SignNote runs the rule gate and, when nothing blocks, attaches the
// signature. From then on the note's governed content is immutable. The
// returned result carries any warnings.
func (s *Service) SignNote(ctx context.Context, noteID string) (*model.Entity, Result, error) {
	note, err := s.load(ctx, TypeNote, noteID)
	if err != nil {
		return nil, Result{}, fmt.Errorf("sign note: %w", err)
	}
	if note.Signed() {
		return nil, Result{}, fmt.Errorf("sign note %s: %w", note.Ref(), ErrAlreadySigned)
	}
	p, err := s.policies.Lookup(TypeNote)
	if err != nil {
		return nil, Result{}, err
	}

	actor := stamp.PrincipalFrom(ctx)
	res, err := s.gate.Evaluate(ctx, Request{Action: ActionSign, ActorID: actor, Entity: note, Now: s.clock.Now()})
	if err != nil {
		return nil, Result{}, fmt.Errorf("sign note %s: %w", note.Ref(), err)
	}
	if res.HasBlocking() {
		return nil, res, RuleViolationError{Result: res}
	}

	hash, err := s.signer.Sign(ctx, note.Ref(), actor, p.GovernedContent(note.Payload))
	if err != nil {
		return nil, res, fmt.Errorf("sign note %s: %w", note.Ref(), err)
	}
	note.SignatureHash = hash

	uow := s.store.NewUnitOfWork()
	uow.Update(note)
	uow.Add(s.audit(ctx, "note.signed", note.Ref(), res.String()))
	if err := uow.Commit(ctx); err != nil {
		return nil, res, fmt.Errorf("sign note %s: %w", note.Ref(), err)
	}
	s.logger.Info("note signed",
		zap.String("note", note.ID),
		zap.String("signer", actor),
		zap.Int("warnings", len(res.Warnings())))

	signed, err := s.reload(ctx, note.Ref())
	return signed, res, err
}

// AddAddendum attaches a new unsigned addendum to a signed note. The
// addendum is its own record; the note only gains a reference in its addenda
// metadata field.
func (s *Service) AddAddendum(ctx context.Context, noteID, body string) (*model.Entity, error) {
	note, err := s.load(ctx, TypeNote, noteID)
	if err != nil {
		return nil, fmt.Errorf("add addendum: %w", err)
	}
	if !note.Signed() {
		return nil, fmt.Errorf("add addendum to %s: %w", note.Ref(), ErrNotSigned)
	}
	if _, err := s.policies.Lookup(TypeAddendum); err != nil {
		return nil, err
	}

	actor := stamp.PrincipalFrom(ctx)
	add := &model.Entity{
		Type: TypeAddendum,
		ID:   s.ids.NewID(),
		Payload: model.Object{
			"note_id":   model.String(note.ID),
			"author_id": model.String(actor),
			"body":      model.String(body),
		},
	}
	res, err := s.gate.Evaluate(ctx, Request{Action: ActionAddendum, ActorID: actor, Entity: add, Now: s.clock.Now()})
	if err != nil {
		return nil, fmt.Errorf("add addendum to %s: %w", note.Ref(), err)
	}
	if res.HasBlocking() {
		return nil, RuleViolationError{Result: res}
	}

	addenda, _ := note.Payload["addenda"].(model.Array)
	note.Payload["addenda"] = append(append(model.Array{}, addenda...), model.String(add.ID))

	uow := s.store.NewUnitOfWork()
	uow.Add(add)
	uow.Update(note)
	uow.Add(s.audit(ctx, "addendum.added", note.Ref(), "addendum="+add.ID))
	if err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("add addendum to %s: %w", note.Ref(), err)
	}
	return s.reload(ctx, add.Ref())
}

// StartIntake creates an intake session locked by the principal bound to
// ctx.
func (s *Service) StartIntake(ctx context.Context, sessionID, patientID string) (*model.Entity, error) {
	p, err := s.policies.Lookup(TypeIntake)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = s.ids.NewID()
	}
	session := &model.Entity{
		Type: TypeIntake,
		ID:   sessionID,
		Payload: model.Object{
			"patient_id": model.String(patientID),
			"step":       model.String("started"),
		},
		LockHolder:     stamp.PrincipalFrom(ctx),
		LockExpiresUTC: model.Timestamp(s.clock.Now().Add(p.LockTTL)),
	}

	uow := s.store.NewUnitOfWork()
	uow.Add(session)
	uow.Add(s.audit(ctx, "intake.started", session.Ref(), ""))
	if err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("start intake: %w", err)
	}
	return s.reload(ctx, session.Ref())
}

// AcquireIntakeLock takes or renews the lock on a session for the
// principal bound to ctx. A lock still held by someone else is refused
// with a *LockError.
func (s *Service) AcquireIntakeLock(ctx context.Context, sessionID string) (*model.Entity, error) {
	p, err := s.policies.Lookup(TypeIntake)
	if err != nil {
		return nil, err
	}
	session, err := s.load(ctx, TypeIntake, sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	actor := stamp.PrincipalFrom(ctx)
	now := s.clock.Now()
	if session.LockActive(now) && session.LockHolder != actor {
		return nil, &LockError{Ref: session.Ref(), Holder: session.LockHolder, Expires: session.LockExpiresUTC}
	}
	session.LockHolder = actor
	session.LockExpiresUTC = model.Timestamp(now.Add(p.LockTTL))

	uow := s.store.NewUnitOfWork()
	uow.Update(session)
	uow.Add(s.audit(ctx, "intake.locked", session.Ref(), "until="+session.LockExpiresUTC.Format(time.RFC3339)))
	if err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return s.reload(ctx, session.Ref())
}

// ReleaseIntakeLock drops the principal's lock. Releasing an unlocked or
// expired session is a no-op; releasing another user's active lock fails.
func (s *Service) ReleaseIntakeLock(ctx context.Context, sessionID string) error {
	session, err := s.load(ctx, TypeIntake, sessionID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	actor := stamp.PrincipalFrom(ctx)
	if !session.LockActive(s.clock.Now()) {
		return nil
	}
	if session.LockHolder != actor {
		return &LockError{Ref: session.Ref(), Holder: session.LockHolder, Expires: session.LockExpiresUTC}
	}
	session.LockHolder = ""
	session.LockExpiresUTC = time.Time{}

	uow := s.store.NewUnitOfWork()
	uow.Update(session)
	uow.Add(s.audit(ctx, "intake.unlocked", session.Ref(), ""))
	if err := uow.Commit(ctx); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, entityType, id string) (*model.Entity, error) {
	e, err := s.store.GetEntity(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, fmt.Errorf("%s: %w", e.Ref(), store.ErrNotFound)
	}
	if e.Payload == nil {
		e.Payload = model.Object{}
	}
	return e, nil
}

func (s *Service) reload(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	return s.store.GetEntity(ctx, ref.Type, ref.ID)
}

func (s *Service) audit(ctx context.Context, action string, ref model.EntityRef, detail string) *model.AuditEntry {
	return &model.AuditEntry{
		ID:         s.ids.NewID(),
		Action:     action,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		ActorID:    stamp.PrincipalFrom(ctx),
		At:         model.Timestamp(s.clock.Now()),
		Detail:     detail,
	}
}
