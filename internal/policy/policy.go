package policy

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/clinsync/internal/model"
)

// ErrUnknownEntityType is returned for types no policy declares.
var ErrUnknownEntityType = errors.New("unknown entity type")

// Category selects the conflict rule for an entity class.
type Category string

const (
	CategoryDraft    Category = "draft"
	CategorySignable Category = "signable"
	CategoryLocked   Category = "locked"
)

// DefaultLockTTL applies to locked entities without an explicit lock_ttl.
const DefaultLockTTL = 15 * time.Minute

// EntityPolicy is the compiled policy for one entity type.
type EntityPolicy struct {
	Type     string        `json:"type"`
	Category Category      `json:"category"`
	Governed []string      `json:"governed,omitempty"`
	Metadata []string      `json:"metadata,omitempty"`
	LockTTL  time.Duration `json:"lock_ttl,omitempty"`
}

// GovernedContent returns the signature-governed projection of a payload.
func (p EntityPolicy) GovernedContent(payload model.Object) model.Object {
	if len(p.Governed) > 0 {
		return payload.Project(p.Governed)
	}
	return payload.Without(p.Metadata)
}

// IsMetadata reports whether field may change on a signed record.
func (p EntityPolicy) IsMetadata(field string) bool {
	return slices.Contains(p.Metadata, field)
}

// Registry maps entity types to their policies.
type Registry struct {
	policies map[string]EntityPolicy
}

// NewRegistry builds a registry from already compiled policies.
func NewRegistry(policies ...EntityPolicy) *Registry {
	r := &Registry{policies: make(map[string]EntityPolicy, len(policies))}
	for _, p := range policies {
		r.policies[p.Type] = p
	}
	return r
}

// Lookup returns the policy for entityType or ErrUnknownEntityType.
func (r *Registry) Lookup(entityType string) (EntityPolicy, error) {
	p, ok := r.policies[entityType]
	if !ok {
		return EntityPolicy{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return p, nil
}

// MustLookup is like Lookup but panics on unknown types.
// Use only where the type was already validated.
func (r *Registry) MustLookup(entityType string) EntityPolicy {
	p, err := r.Lookup(entityType)
	if err != nil {
		panic(err)
	}
	return p
}

// Known reports whether entityType has a policy.
func (r *Registry) Known(entityType string) bool {
	_, ok := r.policies[entityType]
	return ok
}

// Types returns the declared entity types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.policies))
	for t := range r.policies {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
