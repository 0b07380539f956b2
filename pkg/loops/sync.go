// Package loops implements the three background control loops that keep
// the Store consistent with the external cloud provider: Sync, Cleanup,
// and Expiry. Each is the same reconciler shape: a struct holding a stop
// channel and a ticker, a zerolog.Logger, and a run() goroutine selecting
// on the ticker and the stop channel.
package loops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxbroker/broker/pkg/breaker"
	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
	"github.com/sandboxbroker/broker/pkg/upstream"
)

// Sync reconciles the Store against Upstream: inserts accounts the
// provider has that the Store doesn't, refreshes available/stale
// records, and marks available records missing upstream as stale. It
// never touches allocated, pending_deletion, or deletion_failed records —
// in-flight work is never trampled by a sync tick.
type Sync struct {
	store    storage.Store
	upstream upstream.Upstream
	breaker  *breaker.Breaker
	interval time.Duration
	logger   zerolog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewSync(store storage.Store, up upstream.Upstream, b *breaker.Breaker, interval time.Duration) *Sync {
	return &Sync{
		store:    store,
		upstream: up,
		breaker:  b,
		interval: interval,
		logger:   log.WithComponent("sync_loop"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (s *Sync) Start() {
	go s.run()
}

// Stop signals the loop to exit at its next interval boundary (or after
// an in-progress tick finishes); it does not wait. Call Wait to join.
func (s *Sync) Stop() {
	close(s.stopCh)
}

// Wait blocks until the loop's goroutine has returned or ctx is done,
// giving callers a bounded join instead of racing shutdown against an
// in-flight tick's Store calls.
func (s *Sync) Wait(ctx context.Context) error {
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sync) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sync) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "sync")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var accounts []upstream.Account
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		accounts, err = s.upstream.ListActive(ctx)
		return err
	})
	if err != nil {
		if err == breaker.ErrOpen {
			metrics.LoopRunsTotal.WithLabelValues("sync", "skipped_circuit_open").Inc()
			s.logger.Warn().Msg("sync skipped: upstream circuit open")
			return
		}
		metrics.LoopRunsTotal.WithLabelValues("sync", "error").Inc()
		s.logger.Error().Err(err).Msg("sync: list_active failed")
		return
	}

	present := make(map[string]struct{}, len(accounts))
	now := types.Now()

	for _, acct := range accounts {
		sandboxID := sandboxIDFromExternal(acct.ExternalID)
		present[sandboxID] = struct{}{}

		existing, err := s.store.Get(ctx, sandboxID)
		if err != nil {
			if err != storage.ErrNotFound {
				s.logger.Error().Err(err).Str("sandbox_id", sandboxID).Msg("sync: get failed")
				continue
			}
			newRecord := &types.Sandbox{
				SandboxID:  sandboxID,
				Name:       acct.Name,
				ExternalID: acct.ExternalID,
				Status:     types.StatusAvailable,
				LastSynced: now,
				CreatedAt:  now,
			}
			if err := s.store.Put(ctx, newRecord); err != nil {
				s.logger.Error().Err(err).Str("sandbox_id", sandboxID).Msg("sync: insert failed")
				continue
			}
			metrics.LoopItemsProcessedTotal.WithLabelValues("sync", "inserted").Inc()
			continue
		}

		if existing.Status == types.StatusAvailable || existing.Status == types.StatusStale {
			existing.Name = acct.Name
			existing.ExternalID = acct.ExternalID
			existing.Status = types.StatusAvailable
			existing.LastSynced = now
			if err := s.store.Put(ctx, existing); err != nil {
				s.logger.Error().Err(err).Str("sandbox_id", sandboxID).Msg("sync: refresh failed")
				continue
			}
			metrics.LoopItemsProcessedTotal.WithLabelValues("sync", "refreshed").Inc()
		}
		// allocated / pending_deletion / deletion_failed: left untouched.
	}

	cursor := ""
	for {
		page, next, err := s.store.Enumerate(ctx, cursor, 500)
		if err != nil {
			s.logger.Error().Err(err).Msg("sync: enumerate failed")
			break
		}
		for _, sbx := range page {
			if sbx.Status != types.StatusAvailable {
				continue
			}
			if _, ok := present[sbx.SandboxID]; ok {
				continue
			}
			sbx.Status = types.StatusStale
			if err := s.store.Put(ctx, sbx); err != nil {
				s.logger.Error().Err(err).Str("sandbox_id", sbx.SandboxID).Msg("sync: mark-stale failed")
				continue
			}
			metrics.LoopItemsProcessedTotal.WithLabelValues("sync", "marked_stale").Inc()
		}
		if next == "" {
			break
		}
		cursor = next
	}

	metrics.LoopRunsTotal.WithLabelValues("sync", "ok").Inc()
}

// sandboxIDFromExternal derives the broker's stable sandbox_id from an
// upstream external_id: the external_id with an "sbx-" prefix. The
// external_id is treated as stable, since no separate internal numeric
// handle is exposed by either upstream adapter.
func sandboxIDFromExternal(externalID string) string {
	return fmt.Sprintf("sbx-%s", externalID)
}
