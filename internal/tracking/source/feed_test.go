package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blob.track/internal/timeutil"
	"github.com/banshee-data/blob.track/internal/tracking"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFeed_DrainsLatestBatch(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	f := NewFeed(clock)

	assert.Nil(t, f.Detections(), "nothing published yet")

	f.Publish([]Record{{Key: "old", X: 1, Y: 1}})
	f.Publish([]Record{
		{Key: "a", X: 10, Y: 20, BornAt: epoch.Add(-300 * time.Millisecond)},
		{Key: "b", X: 30, Y: 40, Hidden: true},
	})

	dets := f.Detections()
	require.Len(t, dets, 2)
	assert.Equal(t, "a", dets[0].Key())
	x, y := dets[0].Position()
	assert.Equal(t, float32(10), x)
	assert.Equal(t, float32(20), y)
	assert.True(t, dets[0].IsVisible())
	assert.Equal(t, 300*time.Millisecond, dets[0].LifetimeElapsed())
	assert.False(t, dets[1].IsVisible())
	assert.Zero(t, dets[1].LifetimeElapsed(), "unknown birth reports zero age")

	assert.Nil(t, f.Detections(), "a batch is drained once")
	assert.Equal(t, FeedStats{Published: 2, Drained: 1, Overwritten: 1, Records: 3}, f.Stats())
}

func TestFeed_PublishCopiesInput(t *testing.T) {
	t.Parallel()

	f := NewFeed(timeutil.NewMockClock(epoch))
	records := []Record{{Key: "a", X: 1, Y: 1}}
	f.Publish(records)
	records[0].Key = "mutated"

	dets := f.Detections()
	require.Len(t, dets, 1)
	assert.Equal(t, "a", dets[0].Key())
}

func TestFeed_DrivesEngineLivePath(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	engine, err := tracking.NewEngine(tracking.DefaultConfig(), tracking.WithClock(clock))
	require.NoError(t, err)
	f := NewFeed(clock)
	r := tracking.NewRunner(tracking.RunnerConfig{Engine: engine, Source: f})

	f.Publish([]Record{{Key: "a", X: 64, Y: 64, BornAt: epoch}})
	s := r.TickNow()
	assert.Equal(t, tracking.OriginLive, s.Origin)
	require.Len(t, s.Agents, 1)

	clock.Advance(100 * time.Millisecond)
	s = r.TickNow()
	assert.Zero(t, s.Detections, "no new batch, no detections")
	assert.Len(t, s.Agents, 1, "agent survives a quiet tick")
}
