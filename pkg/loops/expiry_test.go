package loops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
)

func TestExpiry_ReclaimsOrphanedAllocationPastDeadlineAndGrace(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	now := types.Now()
	longAgo := now - (2 * 3600) - 120 // well past the 1h lab duration + 60s grace below

	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-orphan",
		ExternalID:       "sbx-orphan",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      longAgo,
	}))

	e := NewExpiry(store, time.Hour, 1 /* hours */, 60 /* grace seconds */)
	e.tick()

	sbx, err := store.Get(ctx, "sbx-orphan")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDeletion, sbx.Status)
	assert.NotZero(t, sbx.DeletionRequestedAt)
}

func TestExpiry_LeavesFreshAllocationsUntouched(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-fresh",
		ExternalID:       "sbx-fresh",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      types.Now(),
	}))

	e := NewExpiry(store, time.Hour, 1, 60)
	e.tick()

	sbx, err := store.Get(ctx, "sbx-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAllocated, sbx.Status, "an allocation well within its lab duration must not be reclaimed")
}

func TestExpiry_HonorsPerSandboxLabDurationOverride(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	now := types.Now()
	require.NoError(t, store.Put(ctx, &types.Sandbox{
		SandboxID:        "sbx-override",
		ExternalID:       "sbx-override",
		Status:           types.StatusAllocated,
		AllocatedToOwner: "owner-1",
		AllocatedAt:      now - 7200,
		LabDurationHours: 1, // overrides the loop's default of 3h down to 1h
	}))

	e := NewExpiry(store, time.Hour, 3, 10)
	e.tick()

	sbx, err := store.Get(ctx, "sbx-override")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDeletion, sbx.Status, "a 1h override plus 10s grace must have already expired after 2h")
}
