package tracking

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// Detection is the capability set the engine polls from the upstream
// clusterer once per tick. The engine borrows a Detection only for the
// duration of the call that received it.
type Detection interface {
	Key() string
	Position() (float32, float32)
	IsVisible() bool
	LifetimeElapsed() time.Duration
}

// Origin labels which entry point a batch came through. It never changes
// how the batch is processed.
type Origin string

const (
	OriginLive Origin = "live"
	OriginTest Origin = "test"
)

// Reasons a detection is dropped before it reaches a cluster.
const (
	skipNil       = "nil"
	skipEmptyKey  = "empty_key"
	skipNonFinite = "non_finite"
	skipPanic     = "adapter_panic"
	skipInvisible = "invisible"
	skipOffSensor = "off_sensor"
)

// observation is the engine's owned copy of one usable detection.
type observation struct {
	key      string
	position r2.Vec
	age      time.Duration
}

// readDetection copies a detection into an observation. It returns a skip
// reason instead when the adapter produced nothing usable. A panicking
// adapter is treated as malformed input rather than aborting the tick.
func readDetection(d Detection) (obs observation, reason string, err error) {
	if d == nil {
		return obs, skipNil, fmt.Errorf("nil detection")
	}
	defer func() {
		if r := recover(); r != nil {
			obs = observation{}
			reason = skipPanic
			err = fmt.Errorf("detection adapter panicked: %v", r)
		}
	}()

	key := d.Key()
	if key == "" {
		return obs, skipEmptyKey, fmt.Errorf("detection has empty key")
	}
	if !d.IsVisible() {
		return obs, skipInvisible, nil
	}
	x, y := d.Position()
	if !isFinite(float64(x)) || !isFinite(float64(y)) {
		return obs, skipNonFinite, fmt.Errorf("detection %q has non-finite position (%v, %v)", key, x, y)
	}
	age := d.LifetimeElapsed()
	if age < 0 {
		age = 0
	}
	return observation{
		key:      key,
		position: r2.Vec{X: float64(x), Y: float64(y)},
		age:      age,
	}, "", nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
