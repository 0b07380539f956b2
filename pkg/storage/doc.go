/*
Package storage provides the broker's persistence layer on top of BoltDB
(bbolt): an embedded, transactional key-value store with zero external
dependencies.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│  BoltStore                                                │
	│  - File: <dataDir>                                        │
	│  - Format: B+tree, MVCC snapshots for reads                │
	│  - Transactions: ACID, fsync on commit                     │
	│                                                            │
	│  Buckets:                                                  │
	│    sandboxes       sandbox_id -> Sandbox (JSON)            │
	│    idx_status      status\x00allocated_at\x00id -> id      │
	│    idx_idempotency idempotency_key -> sandbox_id            │
	└────────────────────────────────────────────────────────┘

bbolt has no native secondary index. idx_status and idx_idempotency are
pointer-key buckets kept in sync with the primary bucket inside the same
db.Update transaction as every write to sandboxes, so a crash between the
two writes is impossible — bbolt commits the whole transaction or none of
it.

# Conditional operations

ConditionalAllocate and ConditionalMarkForDeletion are the only places
where cross-request consistency is established. Both run inside a single
db.Update closure: bbolt serializes all writers, so the read-check-write
sequence inside the closure is linearizable per sandbox_id without any
extra locking — the same guarantee a ConditionExpression gives against a
conditional-write key-value store, achieved here through bbolt's
single-writer transaction model.

Conditional mismatch returns ErrConditionFailed, never a generic error;
callers must not confuse ordinary contention with an infrastructure
failure.

# In-memory store

memstore.go provides an equivalent Store backed by a Go map and a
sync.Mutex, used by fast unit tests that want to exercise the
allocator's concurrency properties without bbolt's on-disk I/O.
*/
package storage
