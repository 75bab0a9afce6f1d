package tracking

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/blob.track/internal/timeutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testDetection is a fixed detection used to drive the engine directly.
type testDetection struct {
	key     string
	x, y    float32
	hidden  bool
	age     time.Duration
	explode bool
}

func (d *testDetection) Key() string {
	if d.explode {
		panic("adapter failure")
	}
	return d.key
}
func (d *testDetection) Position() (float32, float32)   { return d.x, d.y }
func (d *testDetection) IsVisible() bool                { return !d.hidden }
func (d *testDetection) LifetimeElapsed() time.Duration { return d.age }

func det(key string, x, y float32) Detection {
	return &testDetection{key: key, x: x, y: y}
}

// sequentialKeys returns a key generator yielding agent-1, agent-2, ...
func sequentialKeys() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("agent-%d", n.Add(1))
	}
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *timeutil.MockClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := timeutil.NewMockClock(testEpoch)
	e, err := NewEngine(cfg, WithClock(clock), WithKeyFunc(sequentialKeys()))
	require.NoError(t, err)
	return e, clock
}

func obsAt(key string, x, y float64) observation {
	return observation{key: key, position: r2.Vec{X: x, Y: y}}
}

// clusterAt builds a cluster with the given mass without going through the
// engine.
func clusterAt(key string, x, y, mass float64, birth time.Time) *TrackedCluster {
	cfg := DefaultConfig()
	c := newTrackedCluster(obsAt(key, x, y), birth, cfg)
	c.Mass = mass
	return c
}

// withVelocity replaces the cluster's estimator with one fitted to a
// constant velocity.
func withVelocity(c *TrackedCluster, v r2.Vec) *TrackedCluster {
	est := NewVelocityEstimator(c.velocity.Window())
	for i := 0; i < est.Window(); i++ {
		t := float64(i) * 0.1
		est.Push(r2.Add(c.Position, r2.Scale(t, v)), t, 1)
	}
	c.velocity = est
	return c
}
