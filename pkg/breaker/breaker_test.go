package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		err := b.Call(context.Background(), func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, StateClosed, b.State())
	}

	err := b.Call(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())

	err = b.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	failure := errors.New("x")
	require.ErrorIs(t, b.Call(context.Background(), func(context.Context) error { return failure }), failure)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return errors.New("still down") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	_ = b.Call(context.Background(), func(context.Context) error { return nil })
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, StateClosed, b.State(), "failure count should have reset after the intervening success")
}
