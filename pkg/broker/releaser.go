package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
)

// Releaser implements the ownership-and-expiry-checked transition from
// allocated to pending_deletion.
type Releaser struct {
	store                   storage.Store
	defaultLabDurationHours int
}

func NewReleaser(store storage.Store, defaultLabDurationHours int) *Releaser {
	return &Releaser{store: store, defaultLabDurationHours: defaultLabDurationHours}
}

// Release marks sandboxID pending_deletion on behalf of owner. It never
// retries: the follow-up Get on condition failure is purely diagnostic,
// distinguishing NotOwner from AllocationExpired for the caller.
func (r *Releaser) Release(ctx context.Context, sandboxID, owner string) (*types.Sandbox, error) {
	now := types.Now()

	// Per-sandbox lab_duration_hours override, when present, takes
	// precedence over the system default — reading the record first
	// costs nothing extra once overrides are supported.
	labDurationSeconds := int64(r.defaultLabDurationHours) * 3600
	if existing, err := r.store.Get(ctx, sandboxID); err == nil && existing.LabDurationHours > 0 {
		labDurationSeconds = int64(existing.LabDurationHours) * 3600
	}
	minValidAllocatedAt := now - labDurationSeconds

	updated, err := r.store.ConditionalMarkForDeletion(ctx, sandboxID, owner, now, minValidAllocatedAt)
	if err == nil {
		metrics.ReleasesSucceededTotal.Inc()
		return updated, nil
	}
	if !errors.Is(err, storage.ErrConditionFailed) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Diagnostic follow-up: distinguish NotOwner from AllocationExpired.
	record, getErr := r.store.Get(ctx, sandboxID)
	if getErr != nil {
		if errors.Is(getErr, storage.ErrNotFound) {
			metrics.ReleasesFailedTotal.WithLabelValues("not_owner").Inc()
			return nil, ErrNotOwner
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, getErr)
	}

	if record.Status != types.StatusAllocated || record.AllocatedToOwner != owner {
		metrics.ReleasesFailedTotal.WithLabelValues("not_owner").Inc()
		return nil, ErrNotOwner
	}

	metrics.ReleasesFailedTotal.WithLabelValues("expired").Inc()
	sandboxLog := log.WithSandboxID(sandboxID)
	sandboxLog.Warn().Str("owner", owner).
		Msg("release raced the expiry safety net, allocation already past its deadline")
	return nil, ErrAllocationExpired
}

// Get returns sandboxID if it exists, is allocated, and owner holds it;
// otherwise ErrNotOwner, matching the client surface's "get" contract.
func (r *Releaser) Get(ctx context.Context, sandboxID, owner string) (*types.Sandbox, error) {
	record, err := r.store.Get(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotOwner
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if record.Status != types.StatusAllocated || record.AllocatedToOwner != owner {
		return nil, ErrNotOwner
	}
	return record, nil
}
