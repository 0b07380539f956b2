package metrics

import (
	"context"
	"time"

	"github.com/sandboxbroker/broker/pkg/storage"
	"github.com/sandboxbroker/broker/pkg/types"
)

// Collector refreshes the pool gauges (SandboxesByStatus) from a full
// Store enumeration, cached for 60s so a scrape storm can't turn every
// /metrics hit into a full table scan.
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector builds a Collector over store with the default 60s cache
// interval from the design's observability surface.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:    store,
		interval: 60 * time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop signals the collector to exit; it does not wait. Call Wait to join.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Wait blocks until the collector's goroutine has returned or ctx is done.
func (c *Collector) Wait(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	counts := map[types.Status]int{
		types.StatusAvailable:       0,
		types.StatusAllocated:       0,
		types.StatusPendingDeletion: 0,
		types.StatusStale:           0,
		types.StatusDeletionFailed:  0,
	}

	cursor := ""
	for {
		page, next, err := c.store.Enumerate(ctx, cursor, 500)
		if err != nil {
			return
		}
		for _, sbx := range page {
			counts[sbx.Status]++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	for status, count := range counts {
		SandboxesByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}
