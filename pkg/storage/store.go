package storage

import (
	"context"
	"errors"

	"github.com/sandboxbroker/broker/pkg/types"
)

// ErrNotFound is returned by Get when no record exists for the given id.
// It is a storage-layer error distinct from broker.ErrNotOwner: callers
// translate it into the semantic error appropriate to their operation.
var ErrNotFound = errors.New("sandbox not found")

// ErrConditionFailed signals ordinary conditional-write contention: the
// record was absent or the guard clause did not hold. This is never wrapped
// as an application error — per the design's propagation policy,
// conditional mismatch is an expected control-flow outcome, not a failure.
var ErrConditionFailed = errors.New("condition failed")

// Store is the narrow interface every other broker component consumes.
// ConditionalAllocate and ConditionalMarkForDeletion are the only
// operations establishing cross-request consistency; every implementation
// must make them single round-trip and linearizable per sandbox_id.
type Store interface {
	Get(ctx context.Context, sandboxID string) (*types.Sandbox, error)
	Put(ctx context.Context, sbx *types.Sandbox) error
	Delete(ctx context.Context, sandboxID string) error

	// QueryByStatus returns up to limit records with the given status,
	// ordered by allocated_at ascending. limit <= 0 means unbounded.
	QueryByStatus(ctx context.Context, status types.Status, limit int) ([]*types.Sandbox, error)

	// QueryByIdempotency returns the sandbox carrying this idempotency
	// key, if any. The caller must re-check status: the Store does not
	// guarantee the record is still allocated.
	QueryByIdempotency(ctx context.Context, key string) (*types.Sandbox, error)

	// ConditionalAllocate succeeds iff the record exists and is
	// available. Returns ErrConditionFailed (not a generic error) on
	// mismatch, so callers never misclassify ordinary contention.
	ConditionalAllocate(ctx context.Context, sandboxID, owner, idemKey string, now int64, labTag string) (*types.Sandbox, error)

	// ConditionalMarkForDeletion succeeds iff the record exists, is
	// allocated, is held by owner, and allocated_at > minValidAllocatedAt.
	ConditionalMarkForDeletion(ctx context.Context, sandboxID, owner string, now, minValidAllocatedAt int64) (*types.Sandbox, error)

	// Enumerate walks the full table in stable key order, returning an
	// opaque cursor for the next page (empty string when exhausted).
	Enumerate(ctx context.Context, cursor string, limit int) ([]*types.Sandbox, string, error)

	Close() error
}
