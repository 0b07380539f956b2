package broker

import (
	"context"
	"time"

	"github.com/sandboxbroker/broker/pkg/breaker"
	"github.com/sandboxbroker/broker/pkg/log"
	"github.com/sandboxbroker/broker/pkg/metrics"
	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
	"github.com/sandboxbroker/broker/pkg/upstream"
)

// CleanupConfig holds the batching and retry tunables for a synchronous
// admin-triggered cleanup pass. It mirrors pkg/loops.CleanupConfig field
// for field; the two are kept as separate types because the admin surface
// and the background loop are independent callers that happen to agree on
// defaults, not a shared abstraction worth coupling the two packages over.
type CleanupConfig struct {
	BatchSize   int
	BatchDelay  time.Duration
	MaxAttempts int
}

// Admin implements the on-demand operator surface: list/stats/bulk-delete
// plus synchronous, result-reporting variants of the Sync and Cleanup
// loops. Unlike the background loops in pkg/loops, these run once per
// call and return counts directly to the caller instead of only updating
// metrics.
type Admin struct {
	store      storage.Store
	upstream   upstream.Upstream
	breaker    *breaker.Breaker
	cleanupCfg CleanupConfig
}

func NewAdmin(store storage.Store, up upstream.Upstream, b *breaker.Breaker, cleanupCfg CleanupConfig) *Admin {
	if cleanupCfg.BatchSize <= 0 {
		cleanupCfg.BatchSize = 10
	}
	if cleanupCfg.MaxAttempts <= 0 {
		cleanupCfg.MaxAttempts = 3
	}
	return &Admin{store: store, upstream: up, breaker: b, cleanupCfg: cleanupCfg}
}

// ListSandboxes returns a page of sandboxes, optionally filtered by status.
func (adm *Admin) ListSandboxes(ctx context.Context, statusFilter types.Status, cursor string, limit int) ([]*types.Sandbox, string, error) {
	if statusFilter != "" {
		records, err := adm.store.QueryByStatus(ctx, statusFilter, limit)
		return records, "", err
	}
	return adm.store.Enumerate(ctx, cursor, limit)
}

// Stats returns pool counts by status via a full enumeration, matching the
// Collector's semantics but computed synchronously for an on-demand call.
func (adm *Admin) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{
		"total":                             0,
		string(types.StatusAvailable):       0,
		string(types.StatusAllocated):       0,
		string(types.StatusPendingDeletion): 0,
		string(types.StatusStale):           0,
		string(types.StatusDeletionFailed):  0,
	}

	cursor := ""
	for {
		page, next, err := adm.store.Enumerate(ctx, cursor, 500)
		if err != nil {
			return nil, err
		}
		for _, sbx := range page {
			stats["total"]++
			stats[string(sbx.Status)]++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return stats, nil
}

// SyncResult reports the outcome of an on-demand sync trigger.
type SyncResult struct {
	Synced      int
	MarkedStale int
	Duration    time.Duration
}

// TriggerSync runs one synchronous reconciliation pass against Upstream,
// the manually-invoked counterpart to the background Sync loop.
func (adm *Admin) TriggerSync(ctx context.Context) (*SyncResult, error) {
	logger := log.WithComponent("admin")
	start := time.Now()

	var accounts []upstream.Account
	err := adm.breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		accounts, callErr = adm.upstream.ListActive(ctx)
		return callErr
	})
	if err != nil {
		metrics.LoopRunsTotal.WithLabelValues("sync_manual", "error").Inc()
		return nil, err
	}

	present := make(map[string]struct{}, len(accounts))
	now := types.Now()
	synced := 0

	for _, acct := range accounts {
		sandboxID := sandboxIDFromExternalID(acct.ExternalID)
		present[sandboxID] = struct{}{}

		existing, getErr := adm.store.Get(ctx, sandboxID)
		if getErr != nil && getErr != storage.ErrNotFound {
			logger.Error().Err(getErr).Str("sandbox_id", sandboxID).Msg("admin sync: get failed")
			continue
		}
		record := existing
		if getErr == storage.ErrNotFound {
			record = &types.Sandbox{SandboxID: sandboxID, CreatedAt: now}
		} else if existing.Status != types.StatusAvailable && existing.Status != types.StatusStale {
			continue // in-flight work is never trampled
		}
		record.Name = acct.Name
		record.ExternalID = acct.ExternalID
		record.Status = types.StatusAvailable
		record.LastSynced = now
		if putErr := adm.store.Put(ctx, record); putErr != nil {
			logger.Error().Err(putErr).Str("sandbox_id", sandboxID).Msg("admin sync: put failed")
			continue
		}
		synced++
	}

	markedStale := 0
	cursor := ""
	for {
		page, next, err := adm.store.Enumerate(ctx, cursor, 500)
		if err != nil {
			logger.Error().Err(err).Msg("admin sync: enumerate failed")
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
			if putErr := adm.store.Put(ctx, sbx); putErr != nil {
				logger.Error().Err(putErr).Str("sandbox_id", sbx.SandboxID).Msg("admin sync: mark-stale failed")
				continue
			}
			markedStale++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	duration := time.Since(start)
	metrics.LoopRunsTotal.WithLabelValues("sync_manual", "ok").Inc()
	return &SyncResult{Synced: synced, MarkedStale: markedStale, Duration: duration}, nil
}

// CleanupResult reports the outcome of an on-demand cleanup trigger.
type CleanupResult struct {
	Deleted  int
	Failed   int
	Duration time.Duration
}

// TriggerCleanup drains the pending_deletion queue (plus deletion_failed
// records still under the retry ceiling) once, synchronously, the
// manually-invoked counterpart to the background Cleanup loop.
func (adm *Admin) TriggerCleanup(ctx context.Context) (*CleanupResult, error) {
	logger := log.WithComponent("admin")
	start := time.Now()

	queue, err := adm.store.QueryByStatus(ctx, types.StatusPendingDeletion, 0)
	if err != nil {
		return nil, err
	}
	retryable, err := adm.store.QueryByStatus(ctx, types.StatusDeletionFailed, 0)
	if err != nil {
		logger.Error().Err(err).Msg("admin cleanup: query deletion_failed failed")
	}
	for _, sbx := range retryable {
		if sbx.DeletionRetryCount < adm.cleanupCfg.MaxAttempts {
			queue = append(queue, sbx)
		}
	}

	deleted, failed := 0, 0
	for i := 0; i < len(queue); i += adm.cleanupCfg.BatchSize {
		end := i + adm.cleanupCfg.BatchSize
		if end > len(queue) {
			end = len(queue)
		}
		for _, sbx := range queue[i:end] {
			var result upstream.DeleteResult
			callErr := adm.breaker.Call(ctx, func(ctx context.Context) error {
				var e error
				result, e = adm.upstream.Delete(ctx, sbx.ExternalID)
				return e
			})
			if callErr == breaker.ErrOpen {
				// The upstream was never called for this record; leave
				// it untouched and report what was done so far.
				return &CleanupResult{Deleted: deleted, Failed: failed, Duration: time.Since(start)}, nil
			}

			if callErr == nil && (result == upstream.DeleteResultDeleted || result == upstream.DeleteResultAlreadyAbsent) {
				if delErr := adm.store.Delete(ctx, sbx.SandboxID); delErr != nil {
					logger.Error().Err(delErr).Str("sandbox_id", sbx.SandboxID).Msg("admin cleanup: store delete failed")
					continue
				}
				deleted++
				continue
			}

			sbx.Status = types.StatusDeletionFailed
			sbx.DeletionRetryCount++
			if putErr := adm.store.Put(ctx, sbx); putErr != nil {
				logger.Error().Err(putErr).Str("sandbox_id", sbx.SandboxID).Msg("admin cleanup: mark deletion_failed failed")
				continue
			}
			failed++
		}
		if end < len(queue) {
			time.Sleep(adm.cleanupCfg.BatchDelay)
		}
	}

	duration := time.Since(start)
	return &CleanupResult{Deleted: deleted, Failed: failed, Duration: duration}, nil
}

// BulkDeleteByStatus removes records matching statusFilter directly from
// the Store, without touching Upstream. Intended for clearing stale or
// permanently-failed records. An empty statusFilter deletes everything;
// the endpoint is deliberately dangerous and admin-token gated.
func (adm *Admin) BulkDeleteByStatus(ctx context.Context, statusFilter types.Status) (int, error) {
	var targets []*types.Sandbox

	if statusFilter != "" {
		records, err := adm.store.QueryByStatus(ctx, statusFilter, 0)
		if err != nil {
			return 0, err
		}
		targets = records
	} else {
		cursor := ""
		for {
			page, next, err := adm.store.Enumerate(ctx, cursor, 500)
			if err != nil {
				return 0, err
			}
			targets = append(targets, page...)
			if next == "" {
				break
			}
			cursor = next
		}
	}

	deleted := 0
	for _, sbx := range targets {
		if err := adm.store.Delete(ctx, sbx.SandboxID); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// AutoDeleteStale deletes stale records that have remained stale for at
// least gracePeriodHours. Stale records are never auto-removed by a
// background loop — this is the only path that reclaims them, and only
// past an explicit grace period the operator chooses per call.
func (adm *Admin) AutoDeleteStale(ctx context.Context, gracePeriodHours int) (int, error) {
	records, err := adm.store.QueryByStatus(ctx, types.StatusStale, 0)
	if err != nil {
		return 0, err
	}

	cutoff := types.Now() - int64(gracePeriodHours)*3600
	deleted := 0
	for _, sbx := range records {
		if sbx.UpdatedAt > cutoff {
			continue
		}
		if err := adm.store.Delete(ctx, sbx.SandboxID); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// sandboxIDFromExternalID mirrors pkg/loops' derivation of a stable
// sandbox_id from an upstream external_id: neither upstream adapter
// exposes a separate internal handle, so the sandbox_id is the external_id
// with an "sbx-" prefix.
func sandboxIDFromExternalID(externalID string) string {
	return "sbx-" + externalID
}
