package tracking

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// PositionSample is one entry of a cluster's position history.
type PositionSample struct {
	Position r2.Vec
	Time     time.Time
}

// TrackedCluster is the engine's short-lived estimate of one object in the
// image plane, built by folding successive detections together.
type TrackedCluster struct {
	Key      string
	Position r2.Vec
	Mass     float64
	Radius   float64

	BirthTime  time.Time
	LastUpdate time.Time
	Expiry     time.Time

	// AgentID is the owning agent, zero when unassigned.
	AgentID uint64

	sources     map[string]struct{}
	history     []PositionSample
	historyCap  int
	velocity    *VelocityEstimator
	epoch       time.Time // time origin for velocity samples; survives merges
	refreshedAt time.Time
}

func newTrackedCluster(obs observation, now time.Time, cfg Config) *TrackedCluster {
	birth := now.Add(-obs.age)
	c := &TrackedCluster{
		Key:        obs.key,
		Position:   obs.position,
		Radius:     cfg.ClusterRadiusPx,
		BirthTime:  birth,
		sources:    map[string]struct{}{obs.key: {}},
		historyCap: cfg.HistoryLength,
		history:    make([]PositionSample, 0, cfg.HistoryLength),
		velocity:   NewVelocityEstimator(cfg.VelocityWindow),
		epoch:      birth,
	}
	c.Refresh(obs, now, cfg.ClusterLifetime)
	return c
}

// Refresh folds a new detection into the cluster. The position snaps to the
// detection, the mass grows by one and the expiry moves to now+lifetime.
func (c *TrackedCluster) Refresh(obs observation, now time.Time, lifetime time.Duration) {
	c.Position = obs.position
	c.Mass++
	c.LastUpdate = now
	c.refreshedAt = now
	if deadline := now.Add(lifetime); deadline.After(c.Expiry) {
		c.Expiry = deadline
	}
	c.sources[obs.key] = struct{}{}

	if len(c.history) == c.historyCap && c.historyCap > 0 {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	if c.historyCap > 0 {
		c.history = append(c.history, PositionSample{Position: obs.position, Time: now})
	}

	c.velocity.Push(obs.position, now.Sub(c.epoch).Seconds(), 1)
}

// IsExpired reports whether the cluster's expiry is strictly before now.
func (c *TrackedCluster) IsExpired(now time.Time) bool {
	return now.After(c.Expiry)
}

// ExtendLifetime pushes the expiry later by d. Non-positive d is ignored.
func (c *TrackedCluster) ExtendLifetime(d time.Duration) {
	if d > 0 {
		c.Expiry = c.Expiry.Add(d)
	}
}

// Velocity returns the windowed least-squares velocity in px/s.
func (c *TrackedCluster) Velocity() (r2.Vec, bool) {
	return c.velocity.Estimate()
}

// PredictPosition extrapolates the position to t using the current velocity
// estimate. Without a valid estimate the last position is returned.
func (c *TrackedCluster) PredictPosition(t time.Time) r2.Vec {
	v, ok := c.Velocity()
	if !ok {
		return c.Position
	}
	dt := t.Sub(c.LastUpdate).Seconds()
	return r2.Add(c.Position, r2.Scale(dt, v))
}

// History returns a copy of the bounded position history, oldest first.
func (c *TrackedCluster) History() []PositionSample {
	return append([]PositionSample(nil), c.history...)
}

// SourceKeys returns the sorted set of detection keys folded into the
// cluster, including those inherited through merges.
func (c *TrackedCluster) SourceKeys() []string {
	keys := make([]string, 0, len(c.sources))
	for k := range c.sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *TrackedCluster) hasSource(key string) bool {
	_, ok := c.sources[key]
	return ok
}

// freshAt reports whether the cluster was refreshed by a detection in the
// tick stamped now.
func (c *TrackedCluster) freshAt(now time.Time) bool {
	return c.refreshedAt.Equal(now)
}

// ManhattanDistance is the L1 distance between the two cluster positions.
func (c *TrackedCluster) ManhattanDistance(o *TrackedCluster) float64 {
	return manhattan(c.Position, o.Position)
}

func manhattan(a, b r2.Vec) float64 {
	return math.Abs(a.X-b.X) + math.Abs(a.Y-b.Y)
}

// ClusterView is a read-only copy of a cluster for external consumers.
type ClusterView struct {
	Key           string    `json:"key"`
	X             float32   `json:"x"`
	Y             float32   `json:"y"`
	Mass          float64   `json:"mass"`
	Radius        float64   `json:"radius"`
	VX            float32   `json:"vx"`
	VY            float32   `json:"vy"`
	VelocityValid bool      `json:"velocity_valid"`
	AgentID       uint64    `json:"agent_id,omitempty"`
	SourceKeys    []string  `json:"source_keys"`
	HistoryLen    int       `json:"history_len"`
	BirthTime     time.Time `json:"birth_time"`
	LastUpdate    time.Time `json:"last_update"`
	Expiry        time.Time `json:"expiry"`
}

func (c *TrackedCluster) view() ClusterView {
	v, ok := c.Velocity()
	return ClusterView{
		Key:           c.Key,
		X:             float32(c.Position.X),
		Y:             float32(c.Position.Y),
		Mass:          c.Mass,
		Radius:        c.Radius,
		VX:            float32(v.X),
		VY:            float32(v.Y),
		VelocityValid: ok,
		AgentID:       c.AgentID,
		SourceKeys:    c.SourceKeys(),
		HistoryLen:    len(c.history),
		BirthTime:     c.BirthTime,
		LastUpdate:    c.LastUpdate,
		Expiry:        c.Expiry,
	}
}
