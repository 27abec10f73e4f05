// Package resolve decides the outcome of a disagreement between the local
// and the remote version of one entity.
//
// Rules apply in a fixed precedence: immutability of signed content first,
// then the entity category's own rule (lock ownership for locked entities),
// then last-writer-wins on LastModifiedUTC.
package resolve

import (
	"fmt"
	"time"

	"github.com/roach88/clinsync/internal/guard"
	"github.com/roach88/clinsync/internal/model"
	"github.com/roach88/clinsync/internal/policy"
)

// TieBreakRemote makes the remote version win when both sides carry the
// same LastModifiedUTC. Every client applies the same rule, so replicas
// converge on the authority's copy.
const TieBreakRemote = true

// Outcome is what the caller must do with the two versions.
type Outcome int

const (
	// KeepLocal keeps the local version; it is pushed over the remote one.
	KeepLocal Outcome = iota + 1
	// TakeRemote replaces the local version with the remote one.
	TakeRemote
	// Merge replaces the local version with Decision.Merged.
	Merge
	// Park keeps both versions untouched for manual review.
	Park
)

func (o Outcome) String() string {
	switch o {
	case KeepLocal:
		return "keep_local"
	case TakeRemote:
		return "take_remote"
	case Merge:
		return "merge"
	case Park:
		return "park"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Decision is the resolver's verdict together with the conflict
// classification to record.
type Decision struct {
	Outcome    Outcome
	Kind       model.ConflictKind
	Reason     string
	Resolution model.Resolution
	// Merged is set when Outcome is Merge.
	Merged *model.Entity
	// PreserveLocal asks the caller to keep the losing local write as a
	// conflict-state queue item rather than discarding it.
	PreserveLocal bool
}

// Resolve decides between local and remote versions of the same entity.
// now is used to evaluate lock expiry.
func Resolve(p policy.EntityPolicy, local, remote *model.Entity, now time.Time) (Decision, error) {
	if local == nil || remote == nil {
		return Decision{}, fmt.Errorf("resolve: both versions are required")
	}
	if local.Ref() != remote.Ref() {
		return Decision{}, fmt.Errorf("resolve: identity mismatch %s vs %s", local.Ref(), remote.Ref())
	}

	if d, ok, err := immutability(p, local, remote); err != nil || ok {
		return d, err
	}

	switch p.Category {
	case policy.CategoryLocked:
		if d, ok := lockOwnership(local, remote, now); ok {
			return d, nil
		}
		return lastWriterWins(local, remote), nil
	case policy.CategoryDraft, policy.CategorySignable:
		return lastWriterWins(local, remote), nil
	default:
		return Decision{}, fmt.Errorf("resolve %s: unknown category %q", local.Ref(), p.Category)
	}
}

// immutability handles every case where either side is signed.
func immutability(p policy.EntityPolicy, local, remote *model.Entity) (Decision, bool, error) {
	if !local.Signed() && !remote.Signed() {
		return Decision{}, false, nil
	}

	reason := model.ReasonRemoteSigned
	if local.Signed() && !remote.Signed() {
		reason = model.ReasonLocalSigned
	}

	same, err := guard.GovernedEqual(p, local, remote)
	if err != nil {
		return Decision{}, true, err
	}
	bothSigned := local.Signed() && remote.Signed()
	if !same || local.Deleted != remote.Deleted || (bothSigned && local.SignatureHash != remote.SignatureHash) {
		return Decision{
			Outcome:    Park,
			Kind:       model.KindImmutabilityViolation,
			Reason:     reason,
			Resolution: model.ResolutionPending,
		}, true, nil
	}

	// Governed content agrees, so the versions differ at most in metadata
	// or in which side already carries the signature. The signed side is
	// the base of the merge.
	base, other := remote, local
	if local.Signed() && !remote.Signed() {
		base, other = local, remote
	}
	return Decision{
		Outcome:    Merge,
		Kind:       model.KindConcurrentEdit,
		Reason:     reason,
		Resolution: model.ResolutionMetadataMerged,
		Merged:     guard.MergeMetadata(p, base, other),
	}, true, nil
}

// lockOwnership applies when at least one side shows an active lock.
// Reports false when neither does, or both show the same holder.
func lockOwnership(local, remote *model.Entity, now time.Time) (Decision, bool) {
	localHeld := local.LockActive(now)
	remoteHeld := remote.LockActive(now)

	switch {
	case remoteHeld && (!localHeld || remote.LockHolder != local.LockHolder):
		return Decision{
			Outcome:       TakeRemote,
			Kind:          model.KindLockContention,
			Reason:        model.ReasonRemoteLockHeld,
			Resolution:    model.ResolutionRemoteWins,
			PreserveLocal: true,
		}, true
	case localHeld && !remoteHeld:
		return Decision{
			Outcome:    KeepLocal,
			Kind:       model.KindLockContention,
			Reason:     model.ReasonLocalLockHeld,
			Resolution: model.ResolutionLocalWins,
		}, true
	}
	return Decision{}, false
}

func lastWriterWins(local, remote *model.Entity) Decision {
	d := Decision{Kind: model.KindConcurrentEdit}
	switch {
	case local.LastModifiedUTC.After(remote.LastModifiedUTC):
		d.Outcome = KeepLocal
		d.Reason = model.ReasonLocalNewer
		d.Resolution = model.ResolutionLocalWins
	case remote.LastModifiedUTC.After(local.LastModifiedUTC):
		d.Outcome = TakeRemote
		d.Reason = model.ReasonRemoteNewer
		d.Resolution = model.ResolutionRemoteWins
	case TieBreakRemote:
		d.Outcome = TakeRemote
		d.Reason = model.ReasonTimestampTie
		d.Resolution = model.ResolutionRemoteWins
	default:
		d.Outcome = KeepLocal
		d.Reason = model.ReasonTimestampTie
		d.Resolution = model.ResolutionLocalWins
	}
	if d.Outcome == TakeRemote && remote.Deleted {
		d.Reason = model.ReasonRemoteDeleted
	}
	return d
}
