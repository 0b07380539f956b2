package loops

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
)

// Expiry detects allocated sandboxes past their deadline plus grace and
// unconditionally moves them to pending_deletion — the safety net for
// clients that crash without releasing. Racing with Releaser is harmless:
// both converge on the same terminal state.
type Expiry struct {
	store                   storage.Store
	interval                time.Duration
	defaultLabDurationHours int
	graceSeconds            int64
	logger                  zerolog.Logger
	mu                      sync.Mutex
	stopCh                  chan struct{}
	doneCh                  chan struct{}
}

func NewExpiry(store storage.Store, interval time.Duration, defaultLabDurationHours int, graceSeconds int64) *Expiry {
	return &Expiry{
		store:                   store,
		interval:                interval,
		defaultLabDurationHours: defaultLabDurationHours,
		graceSeconds:            graceSeconds,
		logger:                  log.WithComponent("expiry_loop"),
		stopCh:                  make(chan struct{}),
		doneCh:                  make(chan struct{}),
	}
}

func (e *Expiry) Start() { go e.run() }

// Stop signals the loop to exit at its next interval boundary (or after
// an in-progress tick finishes); it does not wait. Call Wait to join.
func (e *Expiry) Stop() { close(e.stopCh) }

// Wait blocks until the loop's goroutine has returned or ctx is done.
func (e *Expiry) Wait(ctx context.Context) error {
	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Expiry) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Expiry) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "expiry")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	allocated, err := e.store.QueryByStatus(ctx, types.StatusAllocated, 0)
	if err != nil {
		metrics.LoopRunsTotal.WithLabelValues("expiry", "error").Inc()
		e.logger.Error().Err(err).Msg("expiry: query allocated failed")
		return
	}

	now := types.Now()
	for _, sbx := range allocated {
		defaultSeconds := int64(e.defaultLabDurationHours) * 3600
		if !sbx.IsExpired(time.Unix(now, 0), defaultSeconds, e.graceSeconds) {
			continue
		}

		sbx.Status = types.StatusPendingDeletion
		sbx.DeletionRequestedAt = now
		if err := e.store.Put(ctx, sbx); err != nil {
			e.logger.Error().Err(err).Str("sandbox_id", sbx.SandboxID).Msg("expiry: mark pending_deletion failed")
			continue
		}
		metrics.LoopItemsProcessedTotal.WithLabelValues("expiry", "reclaimed").Inc()
		e.logger.Info().Str("sandbox_id", sbx.SandboxID).Str("owner", sbx.AllocatedToOwner).Msg("orphaned allocation reclaimed")
	}

	metrics.LoopRunsTotal.WithLabelValues("expiry", "ok").Inc()
}
