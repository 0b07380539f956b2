package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
)

func TestReleaser_ReleasesOwnedAllocation(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-1",
		ExternalID:       "sbx-1",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      types.Now(),
	}))

	r := NewReleaser(store, 1)
	updated, err := r.Release(ctx, "sbx-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDeletion, updated.Status)
}

func TestReleaser_WrongOwnerRejected(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-1",
		ExternalID:       "sbx-1",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      types.Now(),
	}))

	r := NewReleaser(store, 1)
	_, err := r.Release(ctx, "sbx-1", "owner-2")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestReleaser_ReleaseAfterExpiryReportsExpired(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	longAgo := types.Now() - 7200 // well past a 1h default
	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-1",
		ExternalID:       "sbx-1",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      longAgo,
	}))

	r := NewReleaser(store, 1)
	_, err := r.Release(ctx, "sbx-1", "owner-1")
	assert.ErrorIs(t, err, ErrAllocationExpired)
}

func TestReleaser_UnknownSandboxReportsNotOwner(t *testing.T) {
	store := storage.NewMemStore()
	r := NewReleaser(store, 1)
	_, err := r.Release(context.Background(), "sbx-missing", "owner-1")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestReleaser_GetEnforcesOwnership(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-1",
		ExternalID:       "sbx-1",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      types.Now(),
	}))

	r := NewReleaser(store, 1)

	sbx, err := r.Get(ctx, "sbx-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", sbx.SandboxID)

	_, err = r.Get(ctx, "sbx-1", "owner-2")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestReleaser_HonorsPerSandboxLabDurationOverride(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-1",
		ExternalID:       "sbx-1",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      types.Now() - 7200, // past the 1h default
		LabDurationHours: 3,                  // override keeps this allocation valid
	}))

	r := NewReleaser(store, 1)
	updated, err := r.Release(ctx, "sbx-1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDeletion, updated.Status)
}
