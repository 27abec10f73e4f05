package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentFingerprintDeterminism(t *testing.T) {
	a := Object{"body": String("BP stable"), "author_id": String("dr-1")}
	b := Object{"author_id": String("dr-1"), "body": String("BP stable")}

	fa, err := ContentFingerprint(a)
	require.NoError(t, err)
	fb, err := ContentFingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb, "key order must not matter")
	assert.Len(t, fa, 64, "SHA-256 hex is 64 characters")
}

func TestContentFingerprintChangesWithContent(t *testing.T) {
	a := MustContentFingerprint(Object{"body": String("v1")})
	b := MustContentFingerprint(Object{"body": String("v2")})
	assert.NotEqual(t, a, b)
}

func TestFingerprintDomainSeparation(t *testing.T) {
	payload := Object{"body": String("same")}

	content, err := ContentFingerprint(payload)
	require.NoError(t, err)
	governed, err := GovernedFingerprint(payload)
	require.NoError(t, err)

	assert.NotEqual(t, content, governed, "different domains must never collide")
}

func TestNilPayloadFingerprintsAsEmpty(t *testing.T) {
	assert.Equal(t, MustContentFingerprint(Object{}), MustContentFingerprint(nil))

	a, err := GovernedFingerprint(nil)
	require.NoError(t, err)
	b, err := GovernedFingerprint(Object{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSignatureDigestBindsSigner(t *testing.T) {
	ref := EntityRef{Type: "ClinicalNote", ID: "N1"}
	content := Object{"body": String("signed text")}

	d1, err := SignatureDigest(ref, "dr-1", content)
	require.NoError(t, err)
	d2, err := SignatureDigest(ref, "dr-2", content)
	require.NoError(t, err)
	d3, err := SignatureDigest(EntityRef{Type: "ClinicalNote", ID: "N2"}, "dr-1", content)
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
	assert.NotEqual(t, d1, d3)
}
