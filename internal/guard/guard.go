// Package guard enforces the signed-record invariant: once an entity
// carries a signature hash, the content its signature governs never
// changes again, locally or through replication.
package guard

import (
	"errors"
	"fmt"

	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
)

// ErrImmutable is returned for any attempted change to signed content.
var ErrImmutable = errors.New("signed record is immutable")

// ImmutableError describes a rejected change to a signed record.
type ImmutableError struct {
	Ref    model.EntityRef
	Detail string
}

func (e *ImmutableError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Ref, ErrImmutable, e.Detail)
}

func (e *ImmutableError) Unwrap() error {
	return ErrImmutable
}

// IsImmutable reports whether err is or wraps ErrImmutable.
func IsImmutable(err error) bool {
	return errors.Is(err, ErrImmutable)
}

// Verdict classifies an incoming version of a locally stored record.
type Verdict int

const (
	// Allow means the incoming version may be applied under the normal rules.
	Allow Verdict = iota
	// MetadataOnly means the local record is signed and the incoming
	// version differs only in non-governed fields.
	MetadataOnly
	// Violation means the incoming version would alter signed content.
	Violation
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case MetadataOnly:
		return "metadata_only"
	case Violation:
		return "violation"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// CheckLocal validates a local write of after over before. A nil before is
// a new record. Signing an unsigned record is allowed; after that the
// signature hash, the governed content and the record's existence are
// fixed.
func CheckLocal(p policy.EntityPolicy, before, after *model.Entity) error {
	if before == nil || !before.Signed() {
		return nil
	}
	ref := before.Ref()
	switch {
	case after.SignatureHash != before.SignatureHash:
		return &ImmutableError{Ref: ref, Detail: "signature hash changed"}
	case after.Deleted && !before.Deleted:
		return &ImmutableError{Ref: ref, Detail: "signed records cannot be deleted"}
	}

	same, err := GovernedEqual(p, before, after)
	if err != nil {
		return err
	}
	if !same {
		return &ImmutableError{Ref: ref, Detail: "governed content changed"}
	}
	return nil
}

// CheckIncoming classifies a remote version against the local record.
func CheckIncoming(p policy.EntityPolicy, local, remote *model.Entity) (Verdict, error) {
	if local == nil || !local.Signed() {
		return Allow, nil
	}
	if remote.SignatureHash != local.SignatureHash || remote.Deleted != local.Deleted {
		return Violation, nil
	}

	same, err := GovernedEqual(p, local, remote)
	if err != nil {
		return Violation, err
	}
	if !same {
		return Violation, nil
	}

	identical, err := ContentEqual(local, remote)
	if err != nil {
		return Violation, err
	}
	if identical {
		return Allow, nil
	}
	return MetadataOnly, nil
}

// GovernedEqual compares the signature-governed projections of a and b.
func GovernedEqual(p policy.EntityPolicy, a, b *model.Entity) (bool, error) {
	fa, err := model.GovernedFingerprint(p.GovernedContent(a.Payload))
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.Ref(), err)
	}
	fb, err := model.GovernedFingerprint(p.GovernedContent(b.Payload))
	if err != nil {
		return false, fmt.Errorf("%s: %w", b.Ref(), err)
	}
	return fa == fb, nil
}

// ContentEqual compares whole payloads, signature and tombstone flag.
func ContentEqual(a, b *model.Entity) (bool, error) {
	if a.SignatureHash != b.SignatureHash || a.Deleted != b.Deleted {
		return false, nil
	}
	fa, err := model.ContentFingerprint(a.Payload)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.Ref(), err)
	}
	fb, err := model.ContentFingerprint(b.Payload)
	if err != nil {
		return false, fmt.Errorf("%s: %w", b.Ref(), err)
	}
	return fa == fb, nil
}

// MergeMetadata returns base with the metadata fields of other folded in.
// Array fields are unioned, base order first; scalar fields take other's
// value. Governed fields always come from base.
func MergeMetadata(p policy.EntityPolicy, base, other *model.Entity) *model.Entity {
	merged := base.Clone()
	if merged.Payload == nil {
		merged.Payload = model.Object{}
	}
	for _, field := range p.Metadata {
		theirs, ok := other.Payload[field]
		if !ok {
			continue
		}
		ours, _ := merged.Payload[field].(model.Array)
		if theirArr, isArr := theirs.(model.Array); isArr {
			merged.Payload[field] = unionArray(ours, theirArr)
			continue
		}
		merged.Payload[field] = theirs
	}
	return merged
}

func unionArray(a, b model.Array) model.Array {
	out := make(model.Array, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range append(append(model.Array{}, a...), b...) {
		key, err := model.MarshalCanonical(v)
		if err != nil {
			out = append(out, v)
			continue
		}
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		out = append(out, v)
	}
	return out
}
