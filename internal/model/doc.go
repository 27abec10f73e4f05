// Package model defines the record, queue and conflict types shared by every
// clinsync package.
//
// model imports nothing internal. Payloads are constrained JSON values
// (string, int, bool, array, object, null) so that content fingerprints are
// stable across devices:
//   - NO float types in payloads; decimal measurements travel as strings
//   - Timestamps are UTC with microsecond precision
//   - All JSON tags use snake_case
package model
