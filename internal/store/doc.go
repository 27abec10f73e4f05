// Package store provides SQLite-backed durable storage for the local replica.
//
// One database holds:
//   - Entities: syncable records with their sync metadata and tombstones
//   - Sync queue: one row per outstanding replication intent
//   - Conflicts: every detected disagreement and how it was resolved
//   - Audit log: clinical actions, written in the same transaction as the
//     records they describe
//   - Sync meta: pull watermark and last sync time
//
// # Critical Patterns
//
// Coalescing enqueue
//   - Partial UNIQUE index on sync_queue(entity_type, entity_id) over
//     pending and failed rows
//   - Enqueue is an upsert against that index, so only the latest intent
//     per entity is ever transmitted
//
// Exclusive claim
//   - Every transaction is BEGIN IMMEDIATE (_txlock=immediate) and the pool
//     holds a single connection
//   - ClaimBatch selects and marks rows processing in one transaction and
//     stamps them with a claim token; Complete, Fail, Park and Release
//     only act on rows still carrying the caller's token
//
// Atomic stamping
//   - Local writes go through a UnitOfWork; registered interceptors run
//     inside the commit transaction before any row is written
//
// Deterministic ordering
//   - Queue reads use ORDER BY enqueued_at ASC, id ASC
//   - Timestamps are stored as INTEGER unix microseconds in UTC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Inside a WithTx callback use only the *Tx. Reaching for the Store's own
// methods there would wait on the single pooled connection forever.
package store
