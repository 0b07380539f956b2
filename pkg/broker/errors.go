// Package broker implements the allocation state machine: the Allocator,
// the Releaser, and the error taxonomy they and the admin surface share.
package broker

import (
	"errors"

	"github.com/sandboxbroker/broker/pkg/breaker"
)

// Sentinel errors, matched with errors.Is by every caller (including the
// HTTP adapter's status-code table). Conditional-mismatch is deliberately
// never represented as a generic "store error" — each has semantic meaning
// per the propagation policy.
var (
	// ErrNoSandboxesAvailable is returned when every candidate in a claim
	// attempt collided, or the candidate scan was empty. Retryable.
	ErrNoSandboxesAvailable = errors.New("no sandboxes available")

	// ErrNotOwner is returned when a release/get targets a sandbox that
	// does not exist, isn't allocated, or is held by a different owner.
	ErrNotOwner = errors.New("not owner")

	// ErrAllocationExpired is returned when a release's ownership check
	// passes but the allocation is already past its deadline — the
	// expiry loop may have already (or will shortly) reclaim it.
	ErrAllocationExpired = errors.New("allocation expired")

	// ErrCircuitOpen is returned by calls routed through the Breaker
	// while it is OPEN; it is the same value as breaker.ErrOpen. Never
	// surfaced to end clients on the hot path; only the loops and the
	// admin sync trigger observe it.
	ErrCircuitOpen = breaker.ErrOpen

	// ErrStoreUnavailable wraps infrastructure failures from the Store
	// that are not conditional mismatches.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUpstreamTransient marks a recoverable upstream failure; callers
	// degrade the affected record to deletion_failed rather than aborting
	// the whole loop tick.
	ErrUpstreamTransient = errors.New("upstream transient failure")
)
