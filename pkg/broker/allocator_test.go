package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
)

func seedAvailable(t *testing.T, store storage.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, store.Put(ctx, &types.Sandbox{
			SandboxID:  id,
			Name:       id,
			ExternalID: id,
			Status:     types.StatusAvailable,
		}))
	}
}

func TestAllocator_ClaimsAnAvailableSandbox(t *testing.T) {
	store := storage.NewMemStore()
	seedAvailable(t, store, "sbx-1", "sbx-2", "sbx-3")

	a := NewAllocator(store, AllocatorConfig{KCandidates: 15, LabDurationHours: 1})
	res, err := a.Allocate(context.Background(), "owner-1", "", "", "")
	require.NoError(t, err)
	require.NotNil(t, res.Sandbox)
	assert.False(t, res.Idempotent)
	assert.Equal(t, "owner-1", res.Sandbox.AllocatedToOwner)
	assert.Equal(t, types.StatusAllocated, res.Sandbox.Status)
}

func TestAllocator_IdempotentRetryReturnsSameSandbox(t *testing.T) {
	store := storage.NewMemStore()
	seedAvailable(t, store, "sbx-1", "sbx-2")

	a := NewAllocator(store, AllocatorConfig{KCandidates: 15, LabDurationHours: 1})
	first, err := a.Allocate(context.Background(), "owner-1", "req-42", "", "")
	require.NoError(t, err)

	second, err := a.Allocate(context.Background(), "owner-1", "req-42", "", "")
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Sandbox.SandboxID, second.Sandbox.SandboxID)
}

func TestAllocator_NoSandboxesAvailable(t *testing.T) {
	store := storage.NewMemStore()

	a := NewAllocator(store, AllocatorConfig{KCandidates: 15, LabDurationHours: 1})
	_, err := a.Allocate(context.Background(), "owner-1", "", "", "")
	assert.ErrorIs(t, err, ErrNoSandboxesAvailable)
}

func TestAllocator_NamePrefixFilter(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &types.Sandbox{SandboxID: "sbx-x", Name: "team-a-1", ExternalID: "x", Status: types.StatusAvailable}))
	require.NoError(t, store.Put(ctx, &types.Sandbox{SandboxID: "sbx-y", Name: "team-b-1", ExternalID: "y", Status: types.StatusAvailable}))

	a := NewAllocator(store, AllocatorConfig{KCandidates: 15, LabDurationHours: 1})
	res, err := a.Allocate(ctx, "owner-1", "", "", "team-a")
	require.NoError(t, err)
	assert.Equal(t, "sbx-x", res.Sandbox.SandboxID)
}

// TestAllocator_HotContention mirrors the pool-of-3-under-10-concurrent-
// claims scenario: exactly 3 callers must succeed and the rest must see
// ErrNoSandboxesAvailable, with no double allocation.
func TestAllocator_HotContention(t *testing.T) {
	store := storage.NewMemStore()
	seedAvailable(t, store, "sbx-1", "sbx-2", "sbx-3")

	a := NewAllocator(store, AllocatorConfig{KCandidates: 15, BackoffBaseMs: 1, BackoffMaxMs: 5, LabDurationHours: 1})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*AllocateResult, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.Allocate(context.Background(), ownerName(i), "", "", "")
			results[i] = res
			errs[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	claimed := map[string]bool{}
	for i := 0; i < callers; i++ {
		if errs[i] == nil {
			succeeded++
			assert.False(t, claimed[results[i].Sandbox.SandboxID], "no sandbox may be claimed twice")
			claimed[results[i].Sandbox.SandboxID] = true
		} else {
			assert.ErrorIs(t, errs[i], ErrNoSandboxesAvailable)
		}
	}
	assert.Equal(t, 3, succeeded, "exactly as many callers as available sandboxes must succeed")
}

func ownerName(i int) string {
	return "owner-" + string(rune('a'+i))
}
