// Package breaker implements a three-state circuit breaker
// (CLOSED/OPEN/HALF_OPEN) guarding calls to an upstream dependency, as a
// mutex-guarded struct in the idiom this codebase already uses for shared
// mutable state.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sandboxbroker/broker/pkg/metrics"
)

// State is the breaker's current position in the CLOSED -> OPEN ->
// HALF_OPEN -> {CLOSED | OPEN} state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Call when the breaker is OPEN and rejects the
// call without invoking the guarded function.
var ErrOpen = errors.New("circuit open")

// Breaker is process-wide: one instance guards one Upstream endpoint. Its
// state is not persisted; a process restart always begins CLOSED.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	openTimeout      time.Duration

	state       State
	failures    int
	openedAt    time.Time
	halfOpenTry bool
}

// New builds a Breaker with the given failure threshold and open timeout.
func New(failureThreshold int, openTimeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		state:            StateClosed,
	}
}

// State returns the breaker's current state, primarily for metrics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

// maybeTransitionToHalfOpenLocked moves OPEN to HALF_OPEN once the open
// timeout has elapsed. Must be called with mu held. The transition happens
// lazily on the next call attempt rather than through a background timer.
func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.openTimeout {
		b.state = StateHalfOpen
		b.halfOpenTry = false
		b.reportStateLocked()
	}
}

// reportStateLocked pushes the breaker's current state to the BreakerOpen
// gauge and the "upstream" component's health entry (consumed by
// /readyz), so a tripped breaker is visible without waiting on the next
// Sync/Cleanup tick's own error path. Must be called with mu held.
func (b *Breaker) reportStateLocked() {
	if b.state == StateClosed {
		metrics.BreakerOpen.Set(0)
		metrics.UpdateComponent("upstream", true, "")
		return
	}
	metrics.BreakerOpen.Set(1)
	metrics.UpdateComponent("upstream", false, "circuit breaker "+string(b.state))
}

// Call invokes fn if the breaker permits it, returning ErrOpen without
// calling fn when the breaker is OPEN. In HALF_OPEN, only one probe call
// is allowed through at a time; concurrent callers arriving during a
// probe are also rejected with ErrOpen.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.admit() {
		return ErrOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
	} else {
		b.onSuccessLocked()
	}
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()

	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenTry {
			return false
		}
		b.halfOpenTry = true
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccessLocked() {
	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.failures = 0
	b.halfOpenTry = false
	if wasOpen {
		b.reportStateLocked()
	}
}

func (b *Breaker) onFailureLocked() {
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.halfOpenTry = false
		b.reportStateLocked()
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.reportStateLocked()
	}
}

// RetryAfter returns the duration until the breaker will next admit a
// probe call, or zero if it is not currently OPEN.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.openTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
