// Package ratelimit implements a per-client token bucket limiter with
// idle-entry garbage collection. It sits entirely in the HTTP adapter;
// the allocation core never sees it.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per client key (e.g. bearer token or
// owner id), garbage collecting buckets that have been idle past the
// configured eviction window.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*entry
	rps         rate.Limit
	burst       int
	idleTimeout time.Duration
	stopCh      chan struct{}
}

type entry struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// New builds a Limiter allowing rps requests per second with the given
// burst, evicting buckets idle longer than idleTimeout. A background
// goroutine sweeps every gcInterval; call Stop to end it.
func New(rps float64, burst int, idleTimeout, gcInterval time.Duration) *Limiter {
	l := &Limiter{
		buckets:     make(map[string]*entry),
		rps:         rate.Limit(rps),
		burst:       burst,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
	go l.gcLoop(gcInterval)
	return l
}

// Allow reports whether a request for key is permitted right now,
// consuming a token from its bucket if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeenAt = time.Now()
	return e.limiter.Allow()
}

func (l *Limiter) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.gc()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) gc() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.idleTimeout)
	for key, e := range l.buckets {
		if e.lastSeenAt.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the background GC goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}
