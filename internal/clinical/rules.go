package clinical

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

// Severity controls how a rule violation affects the action.
type Severity string

const (
	// SeverityBlock refuses the action.
	SeverityBlock Severity = "block"
	// SeverityWarn lets the action proceed and reports the violation.
	SeverityWarn Severity = "warn"
	// SeverityLog only records the violation in the audit detail.
	SeverityLog Severity = "log"
)

// Action names a gated clinical action.
type Action string

const (
	ActionSign     Action = "sign"
	ActionAddendum Action = "addendum"
)

// Request is what a rule evaluates: who is doing what to which record.
type Request struct {
	Action  Action
	ActorID string
	Entity  *model.Entity
	Now     time.Time
}

// Violation is one finding of one rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	EntityID string   `json:"entity_id,omitempty"`
}

// Result aggregates the violations of every rule.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends other's violations.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Warnings returns the non-blocking violations.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity != SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

func (r Result) String() string {
	parts := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		parts = append(parts, fmt.Sprintf("%s(%s): %s", v.Rule, v.Severity, v.Message))
	}
	return strings.Join(parts, "; ")
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "action blocked by rules: " + e.Result.String()
}

// Rule is one clinical check.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// Gate runs every registered rule before a gated action.
type Gate struct {
	rules []Rule
}

// NewGate constructs an empty gate.
func NewGate() *Gate {
	return &Gate{}
}

// NewDefaultGate builds a gate with the built-in rule set.
func NewDefaultGate() *Gate {
	g := NewGate()
	g.Register(requiredFieldsRule{})
	g.Register(signerIsAuthorRule{})
	g.Register(lateSignatureRule{window: 72 * time.Hour})
	return g
}

// Register appends a rule to the gate.
func (g *Gate) Register(rule Rule) {
	g.rules = append(g.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Result, error) {
	var combined Result
	for _, rule := range g.rules {
		res, err := rule.Evaluate(ctx, req)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}

// requiredFieldsRule blocks signing a note, or adding an addendum, without
// the fields a signature must cover.
type requiredFieldsRule struct{}

func (requiredFieldsRule) Name() string { return "required_fields" }

func (requiredFieldsRule) Evaluate(_ context.Context, req Request) (Result, error) {
	var fields []string
	switch req.Action {
	case ActionSign:
		fields = []string{"patient_id", "author_id", "note_type", "encounter_at", "body"}
	case ActionAddendum:
		fields = []string{"note_id", "author_id", "body"}
	}

	res := Result{}
	for _, f := range fields {
		if strings.TrimSpace(req.Entity.Payload.StringField(f)) == "" {
			res.Violations = append(res.Violations, Violation{
				Rule:     "required_fields",
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("%s is required", f),
				EntityID: req.Entity.ID,
			})
		}
	}
	return res, nil
}

type signerIsAuthorRule struct{}

func (signerIsAuthorRule) Name() string { return "signer_is_author" }

func (signerIsAuthorRule) Evaluate(_ context.Context, req Request) (Result, error) {
	author := req.Entity.Payload.StringField("author_id")
	if req.Action != ActionSign || author == "" || author == req.ActorID {
		return Result{}, nil
	}
	return Result{Violations: []Violation{{
		Rule:     "signer_is_author",
		Severity: SeverityBlock,
		Message:  fmt.Sprintf("note authored by %s cannot be signed by %s", author, req.ActorID),
		EntityID: req.Entity.ID,
	}}}, nil
}

// lateSignatureRule warns when a note is signed long after the encounter.
type lateSignatureRule struct {
	window time.Duration
}

func (lateSignatureRule) Name() string { return "late_signature" }

func (r lateSignatureRule) Evaluate(_ context.Context, req Request) (Result, error) {
	raw := req.Entity.Payload.StringField("encounter_at")
	if req.Action != ActionSign || raw == "" {
		return Result{}, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return Result{Violations: []Violation{{
			Rule:     "late_signature",
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("encounter_at %q is not an RFC 3339 time", raw),
			EntityID: req.Entity.ID,
		}}}, nil
	}
	if late := req.Now.Sub(at); late > r.window {
		return Result{Violations: []Violation{{
			Rule:     "late_signature",
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("signed %s after the encounter", late.Round(time.Minute)),
			EntityID: req.Entity.ID,
		}}}, nil
	}
	return Result{}, nil
}
