package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPartitionGuardUnseededPasses(t *testing.T) {
	g := NewPartitionGuard(nil, time.Minute, time.Second)
	assert.NoError(t, g.Check())
	assert.True(t, g.Healthy())
}

func TestPartitionGuardDetectsStall(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewPartitionGuard(nil, time.Minute, time.Second).
		WithClock(func() time.Time { return now })

	g.Observe(100)
	assert.NoError(t, g.Check())

	// Slot repeats without progress until the stall threshold passes.
	now = now.Add(90 * time.Second)
	g.Observe(100)
	assert.ErrorIs(t, g.Check(), ErrPartitioned)
	assert.False(t, g.Healthy())
}

func TestPartitionGuardRecoversOnProgress(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewPartitionGuard(nil, time.Minute, time.Second).
		WithClock(func() time.Time { return now })

	g.Observe(100)
	now = now.Add(90 * time.Second)
	assert.ErrorIs(t, g.Check(), ErrPartitioned)

	g.Observe(101)
	assert.NoError(t, g.Check())
}

func TestPartitionGuardIgnoresRegression(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewPartitionGuard(nil, time.Minute, time.Second).
		WithClock(func() time.Time { return now })

	g.Observe(100)
	now = now.Add(90 * time.Second)

	// A lower slot is not progress and must not reset the stall timer.
	g.Observe(99)
	assert.ErrorIs(t, g.Check(), ErrPartitioned)
}
