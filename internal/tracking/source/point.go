// Package source provides detection producers for the tracking engine: a
// live feed that an upstream clusterer publishes into, and a seeded
// synthetic generator for tests and demos.
package source

import (
	"time"

	"github.com/banshee-data/blob.track/internal/tracking"
)

// Point is a detection value owned by the batch that carries it.
type Point struct {
	ID     string
	X, Y   float32
	Hidden bool
	Age    time.Duration
}

var _ tracking.Detection = Point{}

func (p Point) Key() string                    { return p.ID }
func (p Point) Position() (float32, float32)   { return p.X, p.Y }
func (p Point) IsVisible() bool                { return !p.Hidden }
func (p Point) LifetimeElapsed() time.Duration { return p.Age }

// Batch converts points to the engine's detection slice.
func Batch(points ...Point) []tracking.Detection {
	out := make([]tracking.Detection, len(points))
	for i, p := range points {
		out[i] = p
	}
	return out
}
