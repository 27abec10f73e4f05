// Package policy compiles the per-entity-class sync policy.
//
// Every replicated entity type belongs to exactly one category:
//   - draft: last-writer-wins, ties go to the remote
//   - signable: governed fields are immutable once signed
//   - locked: the active lock holder wins
//
// Policies are declared in CUE. The built-in set is embedded; a deployment
// may replace it with its own file. Looking up a type that no policy names
// is a contract error.
package policy
