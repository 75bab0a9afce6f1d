package tracking

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"
)

func TestVelocityEstimator_ConstantVelocity(t *testing.T) {
	t.Parallel()

	est := NewVelocityEstimator(6)
	vx, vy := 12.5, -3.0
	for i := 0; i < 20; i++ {
		ts := float64(i) * 0.1
		require.True(t, est.Push(r2.Vec{X: 40 + vx*ts, Y: 20 + vy*ts}, ts, 1))
	}

	v, ok := est.Estimate()
	require.True(t, ok)
	assert.InDelta(t, vx, v.X, 1e-6)
	assert.InDelta(t, vy, v.Y, 1e-6)
	assert.Equal(t, 6, est.Len())
}

func TestVelocityEstimator_InvalidUntilWindowFull(t *testing.T) {
	t.Parallel()

	est := NewVelocityEstimator(4)
	for i := 0; i < 3; i++ {
		est.Push(r2.Vec{X: float64(i)}, float64(i), 1)
		_, ok := est.Estimate()
		assert.False(t, ok, "estimate after %d samples", i+1)
	}
	est.Push(r2.Vec{X: 3}, 3, 1)
	v, ok := est.Estimate()
	require.True(t, ok)
	assert.InDelta(t, 1.0, v.X, 1e-9)
}

func TestVelocityEstimator_MatchesWeightedRegression(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	const window = 8
	est := NewVelocityEstimator(window)

	var ts, xs, ys, ws []float64
	for i := 0; i < 25; i++ {
		tt := 0.05*float64(i) + 0.01*rng.Float64()
		x := 3 + 7*tt + rng.NormFloat64()*0.2
		y := -1 - 2*tt + rng.NormFloat64()*0.2
		w := 0.5 + rng.Float64()
		est.Push(r2.Vec{X: x, Y: y}, tt, w)
		ts, xs, ys, ws = append(ts, tt), append(xs, x), append(ys, y), append(ws, w)
	}

	n := len(ts)
	_, wantVX := stat.LinearRegression(ts[n-window:], xs[n-window:], ws[n-window:], false)
	_, wantVY := stat.LinearRegression(ts[n-window:], ys[n-window:], ws[n-window:], false)

	v, ok := est.Estimate()
	require.True(t, ok)
	assert.InDelta(t, wantVX, v.X, 1e-6)
	assert.InDelta(t, wantVY, v.Y, 1e-6)
}

func TestVelocityEstimator_IdenticalSamplesAreDegenerate(t *testing.T) {
	t.Parallel()

	est := NewVelocityEstimator(2)
	est.Push(r2.Vec{X: 5, Y: 5}, 1, 1)
	est.Push(r2.Vec{X: 5, Y: 5}, 1, 1)

	_, ok := est.Estimate()
	assert.False(t, ok)
}

func TestVelocityEstimator_DegenerateKeepsPrevious(t *testing.T) {
	t.Parallel()

	est := NewVelocityEstimator(2)
	est.Push(r2.Vec{X: 0}, 0, 1)
	est.Push(r2.Vec{X: 1}, 1, 1)
	v, ok := est.Estimate()
	require.True(t, ok)
	require.InDelta(t, 1.0, v.X, 1e-9)

	// Window is now two samples at t=1.
	est.Push(r2.Vec{X: 9, Y: 9}, 1, 1)
	v, ok = est.Estimate()
	require.True(t, ok)
	assert.InDelta(t, 1.0, v.X, 1e-9)
	assert.InDelta(t, 0.0, v.Y, 1e-9)
}

func TestVelocityEstimator_IgnoresBadSamples(t *testing.T) {
	t.Parallel()

	est := NewVelocityEstimator(3)
	tests := []struct {
		name string
		pos  r2.Vec
		t, w float64
	}{
		{"zero weight", r2.Vec{X: 1}, 0, 0},
		{"negative weight", r2.Vec{X: 1}, 0, -1},
		{"NaN weight", r2.Vec{X: 1}, 0, math.NaN()},
		{"infinite weight", r2.Vec{X: 1}, 0, math.Inf(1)},
		{"NaN position", r2.Vec{X: math.NaN()}, 0, 1},
		{"infinite time", r2.Vec{X: 1}, math.Inf(1), 1},
	}
	for _, tt := range tests {
		assert.False(t, est.Push(tt.pos, tt.t, tt.w), tt.name)
	}
	assert.Equal(t, 0, est.Len())
}

func TestVelocityEstimator_EvictsOldestSamples(t *testing.T) {
	t.Parallel()

	est := NewVelocityEstimator(4)
	for i := 0; i < 4; i++ {
		est.Push(r2.Vec{X: float64(i)}, float64(i), 1)
	}
	v, _ := est.Estimate()
	require.InDelta(t, 1.0, v.X, 1e-9)

	// Speed up to 5 px/s; once the window holds only the new regime the
	// old slope must be gone entirely.
	for i := 4; i < 8; i++ {
		est.Push(r2.Vec{X: 3 + 5*float64(i-3)}, float64(i), 1)
	}
	v, ok := est.Estimate()
	require.True(t, ok)
	assert.InDelta(t, 5.0, v.X, 1e-9)
}

func TestVelocityEstimator_MinimumWindow(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2, NewVelocityEstimator(0).Window())
	assert.Equal(t, 2, NewVelocityEstimator(1).Window())
	assert.Equal(t, 6, NewVelocityEstimator(6).Window())
}
