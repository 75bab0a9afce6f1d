package tracking

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_TicksOnClock(t *testing.T) {
	t.Parallel()

	e, clock := newTestEngine(t, nil)
	var polls atomic.Int32
	src := SourceFunc(func() []Detection {
		polls.Add(1)
		return []Detection{det("a", 10, 10)}
	})
	r := NewRunner(RunnerConfig{Engine: e, Source: src, Interval: tick, Clock: clock})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	assert.True(t, r.IsRunning())

	for want := uint64(1); want <= 3; want++ {
		clock.Advance(tick)
		require.Eventually(t, func() bool { return e.Stats().Ticks == want }, time.Second, time.Millisecond)
	}
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, uint64(3), e.Stats().LiveTicks)

	r.Stop()
	require.NoError(t, <-errCh)
	assert.False(t, r.IsRunning())
}

func TestRunner_TestOrigin(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	r := NewRunner(RunnerConfig{
		Engine: e,
		Source: SourceFunc(func() []Detection { return []Detection{det("a", 1, 1)} }),
		Origin: OriginTest,
	})

	s := r.TickNow()
	assert.Equal(t, OriginTest, s.Origin)
	assert.Equal(t, uint64(1), e.Stats().TestTicks)
	assert.Zero(t, e.Stats().LiveTicks)
}

func TestRunner_NilSourceTicksEmpty(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	r := NewRunner(RunnerConfig{Engine: e})
	s := r.TickNow()
	assert.Equal(t, OriginLive, s.Origin)
	assert.Zero(t, s.Detections)
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	e, clock := newTestEngine(t, nil)
	r := NewRunner(RunnerConfig{Engine: e, Interval: tick, Clock: clock})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	require.Eventually(t, r.IsRunning, time.Second, time.Millisecond)

	r.Stop()
	r.Stop()
	require.NoError(t, <-errCh)

	// A stopped runner does not start again.
	assert.NoError(t, r.Run(context.Background()))
	assert.False(t, r.IsRunning())
}

func TestRunner_StopBeforeRun(t *testing.T) {
	t.Parallel()

	e, clock := newTestEngine(t, nil)
	r := NewRunner(RunnerConfig{Engine: e, Interval: tick, Clock: clock})
	r.Stop()

	done := make(chan struct{})
	go func() {
		assert.NoError(t, r.Run(context.Background()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Zero(t, clock.TickerCount())
}

func TestRunner_ContextCancellation(t *testing.T) {
	t.Parallel()

	e, clock := newTestEngine(t, nil)
	r := NewRunner(RunnerConfig{Engine: e, Interval: tick, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, r.IsRunning())
	r.Stop()
}

func TestRunner_ZeroIntervalDoesNotStart(t *testing.T) {
	t.Parallel()

	e, clock := newTestEngine(t, nil)
	r := NewRunner(RunnerConfig{Engine: e, Clock: clock})
	assert.NoError(t, r.Run(context.Background()))
	assert.Zero(t, clock.TickerCount())
}
