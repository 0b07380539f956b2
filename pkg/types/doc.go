/*
Package types defines the broker's single persisted entity, Sandbox, and
the small set of enums and helper predicates every other package builds
on: the lifecycle Status, the allocated_at/deadline arithmetic the
Allocator, Releaser, and Expiry loop all share, and Now, the single
timestamp source every component uses to keep the persisted granularity
at whole seconds.

# Sandbox lifecycle

	available ──allocate──▶ allocated ──release/expire──▶ pending_deletion
	    ▲                                                        │
	    │                                                        ▼
	(sync inserts)                         delete(upstream) success ──▶ [removed]
	    │                                            │
	    └── sync: missing upstream ──▶ stale         └── delete(upstream) fail ──▶ deletion_failed

Client-driven transitions go through a Store conditional operation
(pkg/broker's Allocator and Releaser). Status is otherwise set directly
and written with an unconditional Put only by the background loops
(pkg/loops) and their on-demand counterparts in pkg/broker's Admin.
*/
package types
