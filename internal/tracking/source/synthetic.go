package source

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/blob.track/internal/timeutil"
	"github.com/banshee-data/blob.track/internal/tracking"
)

// Target is one simulated object. It moves in a straight line from Start at
// Velocity, or around OrbitCenter when OrbitRadius is positive.
type Target struct {
	Key      string
	Start    r2.Vec // px, position at Appear
	Velocity r2.Vec // px/s
	Appear   time.Duration
	Vanish   time.Duration // zero means never

	OrbitCenter  r2.Vec
	OrbitRadius  float64 // px
	AngularSpeed float64 // rad/s
	Phase        float64 // rad
}

// PositionAt returns the noiseless position elapsed after the generator
// started.
func (t Target) PositionAt(elapsed time.Duration) r2.Vec {
	s := (elapsed - t.Appear).Seconds()
	if t.OrbitRadius > 0 {
		angle := t.Phase + s*t.AngularSpeed
		return r2.Add(t.OrbitCenter, r2.Vec{X: t.OrbitRadius * math.Cos(angle), Y: t.OrbitRadius * math.Sin(angle)})
	}
	return r2.Add(t.Start, r2.Scale(s, t.Velocity))
}

func (t Target) activeAt(elapsed time.Duration) bool {
	return elapsed >= t.Appear && (t.Vanish == 0 || elapsed < t.Vanish)
}

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	Clock   timeutil.Clock
	Seed    uint64
	Targets []Target

	NoisePx     float64 // standard deviation of position jitter
	DropoutRate float64 // probability a target is reported invisible
}

// Synthetic produces detections from simulated targets. Given the same
// seed and clock sequence it produces the same detections.
type Synthetic struct {
	clock   timeutil.Clock
	start   time.Time
	targets []Target
	noise   float64
	dropout float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic creates a synthetic source whose time starts now.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Synthetic{
		clock:   clock,
		start:   clock.Now(),
		targets: append([]Target(nil), cfg.Targets...),
		noise:   cfg.NoisePx,
		dropout: cfg.DropoutRate,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// OrbitTargets spreads n targets evenly around a circle centered in the
// field of view, all moving at speed px/s.
func OrbitTargets(n int, fov tracking.FieldOfView, radius, speed float64) []Target {
	targets := make([]Target, n)
	angular := 0.0
	if radius > 0 {
		angular = speed / radius
	}
	for i := range targets {
		targets[i] = Target{
			Key:          fmt.Sprintf("target-%03d", i+1),
			OrbitCenter:  fov.Center(),
			OrbitRadius:  radius,
			AngularSpeed: angular,
			Phase:        float64(i) * 2 * math.Pi / float64(n),
		}
	}
	return targets
}

// Detections reports every active target at the current clock time.
func (s *Synthetic) Detections() []tracking.Detection {
	elapsed := s.clock.Since(s.start)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]tracking.Detection, 0, len(s.targets))
	for _, t := range s.targets {
		if !t.activeAt(elapsed) {
			continue
		}
		p := t.PositionAt(elapsed)
		if s.noise > 0 {
			p.X += s.rng.NormFloat64() * s.noise
			p.Y += s.rng.NormFloat64() * s.noise
		}
		hidden := s.dropout > 0 && s.rng.Float64() < s.dropout
		out = append(out, Point{
			ID:     t.Key,
			X:      float32(p.X),
			Y:      float32(p.Y),
			Hidden: hidden,
			Age:    elapsed - t.Appear,
		})
	}
	return out
}
