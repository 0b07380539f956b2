package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := New(1, 3, time.Minute, time.Hour)
	defer l.Stop()

	assert.True(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"), "fourth request within the same instant should exceed burst")
}

func TestLimiter_SeparateBucketsPerKey(t *testing.T) {
	l := New(1, 1, time.Minute, time.Hour)
	defer l.Stop()

	assert.True(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"), "a different key must have its own bucket")
}

func TestLimiter_GCEvictsIdleBuckets(t *testing.T) {
	l := New(1, 1, 10*time.Millisecond, 5*time.Millisecond)
	defer l.Stop()

	l.Allow("client-a")
	l.mu.Lock()
	_, exists := l.buckets["client-a"]
	l.mu.Unlock()
	assert.True(t, exists)

	time.Sleep(40 * time.Millisecond)

	l.mu.Lock()
	_, exists = l.buckets["client-a"]
	l.mu.Unlock()
	assert.False(t, exists, "idle bucket should have been garbage collected")
}
