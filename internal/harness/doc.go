// Package harness runs replication scenarios against a real client replica
// and an in-process authority.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: concurrent_draft_edit
//	description: "A newer remote edit replaces an older local draft"
//	user: dr-1
//	steps:
//	  - do: write
//	    entity: Patient/P1
//	    payload: { name: "Ann" }
//	  - do: advance
//	    by: 1m
//	  - do: remote_write
//	    entity: Patient/P1
//	    payload: { name: "Anne" }
//	  - do: sync
//	    expect:
//	      case: ok
//	      result: { push_conflicts: 1 }
//	assertions:
//	  - type: entity
//	    entity: Patient/P1
//	    expect: { sync_state: synced, payload.name: "Anne" }
//
// # Steps
//
//   - write, delete: local writes through the unit of work
//   - note, sign, addendum: clinical actions through clinical.Service
//   - remote_write, remote_delete: another device pushing to the authority
//   - advance: move the shared clock
//   - offline, online: make the authority unreachable or reachable
//   - push, pull, sync: the replication pipelines
//   - resolve: a manual decision on the n-th open conflict
//   - recover: requeue abandoned queue items
//
// # Assertion Types
//
//   - entity: the local record, subset match on its summary
//   - remote: the authority's record, same summary
//   - queue: the queue counts
//   - conflicts: number of recorded conflicts and the fields of the last one
//   - audit: the exact audit action list of a record
//
// # Determinism
//
// Every scenario runs on a fresh in-memory store with a fake clock starting
// at testutil.Epoch, sequential conflict and record ids and jitter-free
// backoff, so the step trace can be compared against a golden file.
package harness
