package loops

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxbroker/broker/pkg/breaker"
	"github.com/sandboxbroker/broker/pkg/broker"
	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
	"github.com/sandboxbroker/broker/pkg/upstream"
)

// CleanupConfig holds the cleanup loop's batching and retry tunables.
type CleanupConfig struct {
	BatchSize   int
	BatchDelay  time.Duration
	MaxAttempts int
}

// Cleanup drains the pending_deletion queue (plus deletion_failed records
// under the retry ceiling) in throttled batches through the Breaker.
type Cleanup struct {
	store    storage.Store
	upstream upstream.Upstream
	breaker  *breaker.Breaker
	interval time.Duration
	cfg      CleanupConfig
	logger   zerolog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewCleanup(store storage.Store, up upstream.Upstream, b *breaker.Breaker, interval time.Duration, cfg CleanupConfig) *Cleanup {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Cleanup{
		store:    store,
		upstream: up,
		breaker:  b,
		interval: interval,
		cfg:      cfg,
		logger:   log.WithComponent("cleanup_loop"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (c *Cleanup) Start() { go c.run() }

// Stop signals the loop to exit at its next interval boundary (or after
// an in-progress tick finishes); it does not wait. Call Wait to join.
func (c *Cleanup) Stop() { close(c.stopCh) }

// Wait blocks until the loop's goroutine has returned or ctx is done. A
// tick can run many throttled batches (BatchDelay between each), so
// shutdown must join here before the Store is closed underneath it.
func (c *Cleanup) Wait(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cleanup) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cleanup) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "cleanup")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	queue, err := c.store.QueryByStatus(ctx, types.StatusPendingDeletion, 0)
	if err != nil {
		metrics.LoopRunsTotal.WithLabelValues("cleanup", "error").Inc()
		c.logger.Error().Err(err).Msg("cleanup: query pending_deletion failed")
		return
	}

	failed, err := c.store.QueryByStatus(ctx, types.StatusDeletionFailed, 0)
	if err != nil {
		c.logger.Error().Err(err).Msg("cleanup: query deletion_failed failed")
	}
	for _, sbx := range failed {
		if sbx.DeletionRetryCount < c.cfg.MaxAttempts {
			queue = append(queue, sbx)
		}
	}

	for i := 0; i < len(queue); i += c.cfg.BatchSize {
		end := i + c.cfg.BatchSize
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[i:end]

		aborted := c.processBatch(ctx, batch)
		if aborted {
			metrics.LoopRunsTotal.WithLabelValues("cleanup", "skipped_circuit_open").Inc()
			return
		}

		if end < len(queue) {
			time.Sleep(c.cfg.BatchDelay)
		}
	}

	metrics.LoopRunsTotal.WithLabelValues("cleanup", "ok").Inc()
}

// processBatch returns true if the breaker tripped mid-batch and the
// remainder of this tick should be abandoned until the next one.
func (c *Cleanup) processBatch(ctx context.Context, batch []*types.Sandbox) bool {
	for _, sbx := range batch {
		var result upstream.DeleteResult
		err := c.breaker.Call(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = c.upstream.Delete(ctx, sbx.ExternalID)
			return callErr
		})

		if err == breaker.ErrOpen {
			return true
		}

		if err == nil && (result == upstream.DeleteResultDeleted || result == upstream.DeleteResultAlreadyAbsent) {
			if delErr := c.store.Delete(ctx, sbx.SandboxID); delErr != nil {
				c.logger.Error().Err(delErr).Str("sandbox_id", sbx.SandboxID).Msg("cleanup: store delete failed")
				continue
			}
			metrics.LoopItemsProcessedTotal.WithLabelValues("cleanup", "deleted").Inc()
			continue
		}

		if err == nil {
			err = broker.ErrUpstreamTransient
		}
		sbx.Status = types.StatusDeletionFailed
		sbx.DeletionRetryCount++
		if putErr := c.store.Put(ctx, sbx); putErr != nil {
			c.logger.Error().Err(putErr).Str("sandbox_id", sbx.SandboxID).Msg("cleanup: mark deletion_failed failed")
			continue
		}
		metrics.LoopItemsProcessedTotal.WithLabelValues("cleanup", "deletion_failed").Inc()
		c.logger.Warn().Err(err).Str("sandbox_id", sbx.SandboxID).Int("retry_count", sbx.DeletionRetryCount).Msg("upstream delete failed, will retry")
	}
	return false
}
