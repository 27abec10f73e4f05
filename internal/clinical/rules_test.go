package clinical

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/testutil"
)

type staticRule struct {
	res Result
	err error
}

func (staticRule) Name() string { return "static" }

func (r staticRule) Evaluate(context.Context, Request) (Result, error) {
	return r.res, r.err
}

func TestResult_MergeAndClassify(t *testing.T) {
	var res Result
	res.Merge(Result{})
	assert.Empty(t, res.Violations)
	assert.False(t, res.HasBlocking())

	res.Merge(Result{Violations: []Violation{{Rule: "a", Severity: SeverityWarn, Message: "late"}}})
	res.Merge(Result{Violations: []Violation{{Rule: "b", Severity: SeverityLog, Message: "fyi"}}})
	assert.False(t, res.HasBlocking())
	assert.Len(t, res.Warnings(), 2)

	res.Merge(Result{Violations: []Violation{{Rule: "c", Severity: SeverityBlock, Message: "no"}}})
	assert.True(t, res.HasBlocking())
	assert.Len(t, res.Warnings(), 2)
	assert.Equal(t, "a(warn): late; b(log): fyi; c(block): no", res.String())

	err := RuleViolationError{Result: res}
	assert.Contains(t, err.Error(), "c(block): no")
}

func TestGate_PropagatesRuleErrors(t *testing.T) {
	g := NewGate()
	g.Register(staticRule{err: errors.New("boom")})

	_, err := g.Evaluate(context.Background(), Request{Action: ActionSign, Entity: &model.Entity{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule static: boom")
}

func TestDefaultGate_BadEncounterTimeBlocks(t *testing.T) {
	n := &model.Entity{Type: TypeNote, ID: "N1", Payload: model.Object{
		"patient_id":   model.String("P1"),
		"author_id":    model.String("dr-1"),
		"note_type":    model.String("progress"),
		"encounter_at": model.String("yesterday"),
		"body":         model.String("ok"),
	}}

	res, err := NewDefaultGate().Evaluate(context.Background(), Request{
		Action: ActionSign, ActorID: "dr-1", Entity: n, Now: testutil.Epoch,
	})
	require.NoError(t, err)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "late_signature", res.Violations[0].Rule)
	assert.True(t, res.HasBlocking())
}
