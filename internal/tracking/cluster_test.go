package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

func TestTrackedCluster_NewFromObservation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	obs := obsAt("blob-1", 10, 20)
	obs.age = 300 * time.Millisecond

	c := newTrackedCluster(obs, testEpoch, cfg)

	assert.Equal(t, "blob-1", c.Key)
	assert.Equal(t, r2.Vec{X: 10, Y: 20}, c.Position)
	assert.Equal(t, 1.0, c.Mass)
	assert.Equal(t, cfg.ClusterRadiusPx, c.Radius)
	assert.Equal(t, testEpoch.Add(-300*time.Millisecond), c.BirthTime)
	assert.Equal(t, testEpoch, c.LastUpdate)
	assert.Equal(t, testEpoch.Add(cfg.ClusterLifetime), c.Expiry)
	assert.Equal(t, []string{"blob-1"}, c.SourceKeys())
	assert.Len(t, c.History(), 1)
	assert.True(t, c.freshAt(testEpoch))
}

func TestTrackedCluster_Refresh(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	c := newTrackedCluster(obsAt("a", 0, 0), testEpoch, cfg)

	later := testEpoch.Add(250 * time.Millisecond)
	c.Refresh(obsAt("b", 3, 4), later, cfg.ClusterLifetime)

	assert.Equal(t, r2.Vec{X: 3, Y: 4}, c.Position)
	assert.Equal(t, 2.0, c.Mass)
	assert.Equal(t, later, c.LastUpdate)
	assert.Equal(t, later.Add(cfg.ClusterLifetime), c.Expiry)
	assert.Equal(t, []string{"a", "b"}, c.SourceKeys())
	assert.False(t, c.freshAt(testEpoch))
	assert.True(t, c.freshAt(later))
}

func TestTrackedCluster_RefreshNeverShortensExpiry(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	c := newTrackedCluster(obsAt("a", 0, 0), testEpoch, cfg)
	c.ExtendLifetime(5 * time.Second)
	extended := c.Expiry

	c.Refresh(obsAt("a", 0, 0), testEpoch.Add(100*time.Millisecond), cfg.ClusterLifetime)
	assert.Equal(t, extended, c.Expiry)
}

func TestTrackedCluster_Expiry(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	c := newTrackedCluster(obsAt("a", 0, 0), testEpoch, cfg)

	assert.False(t, c.IsExpired(c.Expiry), "expiry is exclusive")
	assert.True(t, c.IsExpired(c.Expiry.Add(time.Nanosecond)))

	before := c.Expiry
	c.ExtendLifetime(100 * time.Millisecond)
	assert.Equal(t, before.Add(100*time.Millisecond), c.Expiry)

	c.ExtendLifetime(-time.Second)
	c.ExtendLifetime(0)
	assert.Equal(t, before.Add(100*time.Millisecond), c.Expiry)
}

func TestTrackedCluster_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.HistoryLength = 3
	c := newTrackedCluster(obsAt("a", 0, 0), testEpoch, cfg)
	for i := 1; i <= 5; i++ {
		c.Refresh(obsAt("a", float64(i), 0), testEpoch.Add(time.Duration(i)*time.Millisecond), cfg.ClusterLifetime)
	}

	h := c.History()
	require.Len(t, h, 3)
	assert.Equal(t, 3.0, h[0].Position.X)
	assert.Equal(t, 5.0, h[2].Position.X)

	h[0].Position.X = 99
	assert.Equal(t, 3.0, c.History()[0].Position.X, "History must return a copy")
}

func TestTrackedCluster_VelocityAndPrediction(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	c := newTrackedCluster(obsAt("a", 0, 0), testEpoch, cfg)

	assert.Equal(t, c.Position, c.PredictPosition(testEpoch.Add(time.Second)),
		"no velocity yet, prediction holds position")

	for i := 1; i < cfg.VelocityWindow; i++ {
		at := testEpoch.Add(time.Duration(i) * 100 * time.Millisecond)
		c.Refresh(obsAt("a", float64(i), 2*float64(i)), at, cfg.ClusterLifetime)
	}

	v, ok := c.Velocity()
	require.True(t, ok)
	assert.InDelta(t, 10.0, v.X, 1e-6)
	assert.InDelta(t, 20.0, v.Y, 1e-6)

	p := c.PredictPosition(c.LastUpdate.Add(500 * time.Millisecond))
	assert.InDelta(t, c.Position.X+5, p.X, 1e-6)
	assert.InDelta(t, c.Position.Y+10, p.Y, 1e-6)
}

func TestManhattanDistance(t *testing.T) {
	t.Parallel()

	a := clusterAt("a", 1, 1, 1, testEpoch)
	b := clusterAt("b", 4, -3, 1, testEpoch)
	assert.Equal(t, 7.0, a.ManhattanDistance(b))
	assert.Equal(t, a.ManhattanDistance(b), b.ManhattanDistance(a))
}

func TestTrackedCluster_View(t *testing.T) {
	t.Parallel()

	c := clusterAt("a", 1.5, 2.5, 3, testEpoch)
	c.AgentID = 7

	v := c.view()
	assert.Equal(t, "a", v.Key)
	assert.Equal(t, float32(1.5), v.X)
	assert.Equal(t, float32(2.5), v.Y)
	assert.Equal(t, 3.0, v.Mass)
	assert.Equal(t, uint64(7), v.AgentID)
	assert.False(t, v.VelocityValid)
	assert.Equal(t, 1, v.HistoryLen)
}
