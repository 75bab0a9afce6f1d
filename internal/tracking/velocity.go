package tracking

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// degenerateDenominator is the relative threshold below which the regression
// denominator counts as zero. Running sums that add and subtract the same
// timestamps can leave a residue of a few ULPs where exact arithmetic would
// give zero; without the threshold that residue becomes an enormous slope.
const degenerateDenominator = 1e-12

type velocitySample struct {
	t, x, y, w float64
}

// VelocityEstimator fits x(t) and y(t) against t by weighted ordinary least
// squares over the most recent Window samples. Sums are maintained
// incrementally: evicting the oldest sample subtracts its contribution.
//
// Times are seconds relative to the owning cluster's birth so the squared
// terms stay small.
type VelocityEstimator struct {
	window int
	ring   []velocitySample
	head   int // index of the oldest sample
	n      int

	sw, swt, swx, swy, swtt, swxt, swyt float64

	velocity r2.Vec
	valid    bool
}

// NewVelocityEstimator creates an estimator over a window of the given size.
// Windows smaller than two cannot define a slope and are raised to two.
func NewVelocityEstimator(window int) *VelocityEstimator {
	if window < 2 {
		window = 2
	}
	return &VelocityEstimator{
		window: window,
		ring:   make([]velocitySample, window),
	}
}

// Push adds a sample. Samples with zero, negative or non-finite weight, or a
// non-finite position or time, are ignored and Push returns false.
func (v *VelocityEstimator) Push(pos r2.Vec, t, weight float64) bool {
	if !(weight > 0) || math.IsInf(weight, 0) {
		return false
	}
	if !isFinite(pos.X) || !isFinite(pos.Y) || !isFinite(t) {
		return false
	}

	if v.n == v.window {
		v.accumulate(v.ring[v.head], -1)
		v.head = (v.head + 1) % v.window
		v.n--
	}

	s := velocitySample{t: t, x: pos.X, y: pos.Y, w: weight}
	v.ring[(v.head+v.n)%v.window] = s
	v.n++
	v.accumulate(s, 1)

	v.refit()
	return true
}

func (v *VelocityEstimator) accumulate(s velocitySample, sign float64) {
	w := sign * s.w
	v.sw += w
	v.swt += w * s.t
	v.swx += w * s.x
	v.swy += w * s.y
	v.swtt += w * s.t * s.t
	v.swxt += w * s.x * s.t
	v.swyt += w * s.y * s.t
}

// refit recomputes the slope from the running sums. A degenerate window
// leaves the previous velocity and validity untouched.
func (v *VelocityEstimator) refit() {
	if v.n < v.window {
		return
	}
	den := v.sw*v.swtt - v.swt*v.swt
	if den <= degenerateDenominator*math.Abs(v.sw*v.swtt) {
		return
	}
	vx := (v.sw*v.swxt - v.swt*v.swx) / den
	vy := (v.sw*v.swyt - v.swt*v.swy) / den
	if !isFinite(vx) || !isFinite(vy) {
		return
	}
	v.velocity = r2.Vec{X: vx, Y: vy}
	v.valid = true
}

// Estimate returns the fitted velocity in position units per second, or
// false when the window is not yet full or has never been well conditioned.
func (v *VelocityEstimator) Estimate() (r2.Vec, bool) {
	if !v.valid {
		return r2.Vec{}, false
	}
	return v.velocity, true
}

// Len returns the number of samples currently in the window.
func (v *VelocityEstimator) Len() int { return v.n }

// Window returns the window capacity.
func (v *VelocityEstimator) Window() int { return v.window }
