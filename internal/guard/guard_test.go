package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
)

var notePolicy = policy.EntityPolicy{
	Type:     "ClinicalNote",
	Category: policy.CategorySignable,
	Governed: []string{"patient_id", "body"},
	Metadata: []string{"addenda"},
}

func note(body string, sig string, addenda ...string) *model.Entity {
	arr := model.Array{}
	for _, a := range addenda {
		arr = append(arr, model.String(a))
	}
	return &model.Entity{
		Type: "ClinicalNote",
		ID:   "N1",
		Payload: model.Object{
			"patient_id": model.String("P1"),
			"body":       model.String(body),
			"addenda":    arr,
		},
		SignatureHash: sig,
	}
}

func TestCheckLocal(t *testing.T) {
	deleted := note("a", "sig")
	deleted.Deleted = true

	tests := []struct {
		name          string
		before, after *model.Entity
		wantErr       bool
	}{
		{"new record", nil, note("a", ""), false},
		{"unsigned edit", note("a", ""), note("b", ""), false},
		{"signing", note("a", ""), note("a", "sig"), false},
		{"signing with edit", note("a", ""), note("b", "sig"), false},
		{"signed metadata change", note("a", "sig"), note("a", "sig", "A1"), false},
		{"signed body change", note("a", "sig"), note("b", "sig"), true},
		{"signature removed", note("a", "sig"), note("a", ""), true},
		{"signature replaced", note("a", "sig"), note("a", "other"), true},
		{"signed delete", note("a", "sig"), deleted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckLocal(notePolicy, tt.before, tt.after)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsImmutable(err))
			var ie *ImmutableError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, "ClinicalNote/N1", ie.Ref.String())
		})
	}
}

func TestCheckIncoming(t *testing.T) {
	tests := []struct {
		name          string
		local, remote *model.Entity
		want          Verdict
	}{
		{"no local", nil, note("a", "sig"), Allow},
		{"unsigned local", note("a", ""), note("b", "sig"), Allow},
		{"identical signed", note("a", "sig"), note("a", "sig"), Allow},
		{"metadata only", note("a", "sig"), note("a", "sig", "A1"), MetadataOnly},
		{"governed change", note("a", "sig"), note("b", "sig"), Violation},
		{"unsigning", note("a", "sig"), note("a", ""), Violation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckIncoming(notePolicy, tt.local, tt.remote)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "verdict %s", got)
		})
	}
}

func TestCheckIncoming_RemoteTombstoneOfSignedRecord(t *testing.T) {
	remote := note("a", "sig")
	remote.Deleted = true

	got, err := CheckIncoming(notePolicy, note("a", "sig"), remote)
	require.NoError(t, err)
	assert.Equal(t, Violation, got)
}

func TestGovernedEqual_UsesMetadataWhenGovernedUnset(t *testing.T) {
	p := policy.EntityPolicy{Type: "Addendum", Category: policy.CategorySignable, Metadata: []string{"seen_by"}}
	a := &model.Entity{Type: "Addendum", ID: "A1", Payload: model.Object{"body": model.String("x"), "seen_by": model.String("u1")}}
	b := &model.Entity{Type: "Addendum", ID: "A1", Payload: model.Object{"body": model.String("x"), "seen_by": model.String("u2")}}

	same, err := GovernedEqual(p, a, b)
	require.NoError(t, err)
	assert.True(t, same)

	b.Payload["body"] = model.String("y")
	same, err = GovernedEqual(p, a, b)
	require.NoError(t, err)
	assert.False(t, same)
}

func TestMergeMetadata(t *testing.T) {
	local := note("a", "sig", "A1", "A2")
	remote := note("ignored", "sig", "A2", "A3")

	merged := MergeMetadata(notePolicy, local, remote)

	assert.Equal(t, model.Array{model.String("A1"), model.String("A2"), model.String("A3")}, merged.Payload["addenda"])
	assert.Equal(t, model.String("a"), merged.Payload["body"])
	// Inputs are untouched.
	assert.Len(t, local.Payload["addenda"], 2)
}
