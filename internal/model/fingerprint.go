package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content fingerprints.
// The version suffix leaves room for a future algorithm change.
const (
	DomainContent  = "clinsync/content/v1"
	DomainGoverned = "clinsync/governed/v1"
	DomainSigned   = "clinsync/signature/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator removes any domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentFingerprint hashes a whole payload.
// Two payloads with the same fingerprint are the same content.
func ContentFingerprint(payload Object) (string, error) {
	if payload == nil {
		payload = Object{}
	}
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("ContentFingerprint: %w", err)
	}
	return hashWithDomain(DomainContent, canonical), nil
}

// GovernedFingerprint hashes the signature-governed projection of a payload.
// Callers obtain the projection from the entity policy.
func GovernedFingerprint(governed Object) (string, error) {
	if governed == nil {
		governed = Object{}
	}
	canonical, err := MarshalCanonical(governed)
	if err != nil {
		return "", fmt.Errorf("GovernedFingerprint: %w", err)
	}
	return hashWithDomain(DomainGoverned, canonical), nil
}

// SignatureDigest binds signer, record identity and governed content.
// Signature services may use it as the hash they attach to a record.
func SignatureDigest(ref EntityRef, signerID string, governed Object) (string, error) {
	if governed == nil {
		governed = Object{}
	}
	doc := Object{
		"entity_type": String(ref.Type),
		"entity_id":   String(ref.ID),
		"signer_id":   String(signerID),
		"content":     governed,
	}
	canonical, err := MarshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("SignatureDigest: %w", err)
	}
	return hashWithDomain(DomainSigned, canonical), nil
}

// MustContentFingerprint is like ContentFingerprint but panics on error.
// Use only in tests or when the payload is known to be valid.
func MustContentFingerprint(payload Object) string {
	fp, err := ContentFingerprint(payload)
	if err != nil {
		panic(err)
	}
	return fp
}
