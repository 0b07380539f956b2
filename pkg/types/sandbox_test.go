package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLabDurationSeconds_OverrideWinsOverDefault(t *testing.T) {
	sbx := &Sandbox{LabDurationHours: 2}
	assert.Equal(t, int64(7200), sbx.LabDurationSeconds(14400))

	sbx.LabDurationHours = 0
	assert.Equal(t, int64(14400), sbx.LabDurationSeconds(14400))
}

func TestDeadline(t *testing.T) {
	sbx := &Sandbox{AllocatedAt: 1000, LabDurationHours: 1}
	assert.Equal(t, int64(1000+3600), sbx.Deadline(14400))
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(10_000, 0)

	unallocated := &Sandbox{AllocatedAt: 0}
	assert.False(t, unallocated.IsExpired(now, 3600, 60), "allocated_at sentinel 0 never expires")

	fresh := &Sandbox{AllocatedAt: 9_000}
	assert.False(t, fresh.IsExpired(now, 3600, 60))

	past := &Sandbox{AllocatedAt: 10_000 - 3600 - 60}
	assert.True(t, past.IsExpired(now, 3600, 60), "deadline plus grace exactly reached counts as expired")
}
