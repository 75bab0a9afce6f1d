package tracking

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// FieldOfView describes the sensor's pixel array and the angles it spans.
// Pixel coordinates have their origin at the lower-left corner.
type FieldOfView struct {
	WidthPx       int     `json:"width_px"`
	HeightPx      int     `json:"height_px"`
	HorizontalDeg float64 `json:"horizontal_deg"`
	VerticalDeg   float64 `json:"vertical_deg"`
}

// GatingRadius is the association distance limit for the given fraction of
// the sensor width.
func (f FieldOfView) GatingRadius(fraction float64) float64 {
	return fraction * float64(f.WidthPx)
}

// Center returns the optical center in pixels.
func (f FieldOfView) Center() r2.Vec {
	return r2.Vec{X: float64(f.WidthPx) / 2, Y: float64(f.HeightPx) / 2}
}

// Contains reports whether p lies within the sensor's image plane. Positions
// are continuous, so the far edges are included: x = WidthPx is the right
// border of the last pixel and maps to half the horizontal field of view.
func (f FieldOfView) Contains(p r2.Vec) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= float64(f.WidthPx) && p.Y <= float64(f.HeightPx)
}

// PixelToAngle maps a pixel position to pan and tilt angles in degrees
// relative to the optical axis under a pinhole model. Positive pan is to
// the right, positive tilt is up.
func (f FieldOfView) PixelToAngle(p r2.Vec) (panDeg, tiltDeg float64) {
	c := f.Center()
	panDeg = projectAngle(p.X-c.X, c.X, f.HorizontalDeg)
	tiltDeg = projectAngle(p.Y-c.Y, c.Y, f.VerticalDeg)
	return panDeg, tiltDeg
}

// projectAngle converts an offset from center into an angle, given the half
// extent in pixels and the full field of view in degrees.
func projectAngle(offset, halfExtent, fovDeg float64) float64 {
	if halfExtent <= 0 || fovDeg <= 0 {
		return 0
	}
	focal := halfExtent / math.Tan(fovDeg*math.Pi/360)
	return math.Atan2(offset, focal) * 180 / math.Pi
}
