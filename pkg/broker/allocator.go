package broker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
)

// AllocatorConfig holds the K-candidate claim protocol's tunables.
type AllocatorConfig struct {
	KCandidates      int
	BackoffBaseMs    int
	BackoffMaxMs     int
	LabDurationHours int // default applied when the caller doesn't override
	GraceSeconds     int64
}

// Allocator implements the K-candidate claim protocol: fetch K available
// candidates, shuffle, walk and attempt a conditional claim on each until
// one succeeds.
type Allocator struct {
	store storage.Store
	cfg   AllocatorConfig
}

// NewAllocator builds an Allocator against store with the given config.
func NewAllocator(store storage.Store, cfg AllocatorConfig) *Allocator {
	if cfg.KCandidates <= 0 {
		cfg.KCandidates = 15
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 100
	}
	if cfg.BackoffMaxMs <= 0 {
		cfg.BackoffMaxMs = 5000
	}
	return &Allocator{store: store, cfg: cfg}
}

// AllocateResult wraps the claimed sandbox together with a flag telling
// the HTTP adapter whether this was a fresh claim or the idempotent
// short-circuit returning an existing allocation.
type AllocateResult struct {
	Sandbox    *types.Sandbox
	Idempotent bool
}

// Allocate runs the claim protocol for owner. idempotencyKey defaults to
// owner when empty, per the effective-key rule. labTag is optional and is
// recorded on the claimed record, not used to choose it. namePrefix is an
// optional filter applied by the Allocator post-filtering the candidate
// scan, since the Store's secondary index is keyed on status, not name.
func (a *Allocator) Allocate(ctx context.Context, owner, idempotencyKey, labTag, namePrefix string) (*AllocateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AllocationDuration)

	effectiveKey := idempotencyKey
	if effectiveKey == "" {
		effectiveKey = owner
	}

	logger := log.WithComponent("allocator")

	// 1. Idempotent short-circuit.
	if existing, err := a.store.QueryByIdempotency(ctx, effectiveKey); err == nil && existing != nil {
		if existing.Status == types.StatusAllocated &&
			!existing.IsExpired(time.Now(), int64(a.cfg.LabDurationHours)*3600, a.cfg.GraceSeconds) {
			metrics.AllocationsIdempotentHit.Inc()
			return &AllocateResult{Sandbox: existing, Idempotent: true}, nil
		}
	}

	// 2. Candidate scan + shuffle.
	candidates, err := a.store.QueryByStatus(ctx, types.StatusAvailable, a.cfg.KCandidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if namePrefix != "" {
		candidates = filterByPrefix(candidates, namePrefix)
	}
	if len(candidates) == 0 {
		metrics.AllocationsFailedTotal.Inc()
		return nil, ErrNoSandboxesAvailable
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	// 3. Walk and claim.
	now := types.Now()
	for i, candidate := range candidates {
		claimed, err := a.store.ConditionalAllocate(ctx, candidate.SandboxID, owner, effectiveKey, now, labTag)
		if err == nil {
			metrics.AllocationsSucceededTotal.Inc()
			return &AllocateResult{Sandbox: claimed}, nil
		}
		if err != storage.ErrConditionFailed {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		metrics.AllocationConflictsTotal.Inc()
		if i < len(candidates)-1 {
			sleepBackoff(i, a.cfg.BackoffBaseMs, a.cfg.BackoffMaxMs)
		}
	}

	// 4. Exhaustion.
	logger.Warn().Int("k", len(candidates)).Str("owner", owner).Msg("allocation exhausted all candidates")
	metrics.AllocationsFailedTotal.Inc()
	return nil, ErrNoSandboxesAvailable
}

func filterByPrefix(candidates []*types.Sandbox, prefix string) []*types.Sandbox {
	var out []*types.Sandbox
	for _, c := range candidates {
		if hasPrefix(c.Name, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// sleepBackoff sleeps uniform(0, min(2^attempt*base, max)) milliseconds,
// the randomized exponential backoff between claim attempts. Shuffling
// the candidate order already does most of the work of spreading
// contention; this backoff further staggers retries against the same
// shuffled list across distinct callers.
func sleepBackoff(attempt, baseMs, maxMs int) {
	capped := baseMs << attempt
	if capped <= 0 || capped > maxMs { // overflow or exceeded ceiling
		capped = maxMs
	}
	if capped <= 0 {
		return
	}
	d := time.Duration(rand.Intn(capped)) * time.Millisecond
	time.Sleep(d)
}
