package tracking

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// Color is an RGB display color carried for downstream renderers.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// HighlightColor marks the best agent.
var HighlightColor = Color{R: 255, G: 215, B: 0}

var agentPalette = []Color{
	{R: 0, G: 170, B: 255},
	{R: 0, G: 200, B: 120},
	{R: 220, G: 80, B: 200},
	{R: 255, G: 120, B: 40},
	{R: 120, G: 120, B: 255},
	{R: 80, G: 220, B: 220},
	{R: 200, G: 200, B: 80},
	{R: 240, G: 90, B: 90},
}

func paletteColor(id uint64) Color {
	return agentPalette[int(id%uint64(len(agentPalette)))]
}

// TrackAgent is a persistent hypothesis that one physical target exists.
// It owns a set of clusters and outlives any one of them.
type TrackAgent struct {
	ID             uint64
	Key            string
	Centroid       r2.Vec
	SupportQuality float64
	CreatedAt      time.Time
	Expiry         time.Time
	LastAssociated time.Time
	Color          Color
	IsBest         bool

	baseColor Color
	members   map[string]r2.Vec // cluster key -> position at association
	anchor    r2.Vec            // centroid when the agent last moved
	lastMoved time.Time
}

func newTrackAgent(id uint64, key string, c *TrackedCluster, now time.Time, lifetime time.Duration) *TrackAgent {
	color := paletteColor(id)
	return &TrackAgent{
		ID:             id,
		Key:            key,
		Centroid:       c.Position,
		SupportQuality: 1,
		CreatedAt:      now,
		Expiry:         now.Add(lifetime),
		LastAssociated: now,
		Color:          color,
		baseColor:      color,
		members:        map[string]r2.Vec{c.Key: c.Position},
		anchor:         c.Position,
		lastMoved:      now,
	}
}

// addMember assigns c to the agent and moves the centroid to the mean of
// all member positions.
func (a *TrackAgent) addMember(c *TrackedCluster) {
	a.members[c.Key] = c.Position
	a.recomputeCentroid()
}

func (a *TrackAgent) removeMember(key string) {
	if _, ok := a.members[key]; !ok {
		return
	}
	delete(a.members, key)
	a.recomputeCentroid()
}

func (a *TrackAgent) recomputeCentroid() {
	if len(a.members) == 0 {
		return
	}
	var sum r2.Vec
	for _, p := range a.members {
		sum = r2.Add(sum, p)
	}
	a.Centroid = r2.Scale(1/float64(len(a.members)), sum)
}

func (a *TrackAgent) clearMembers() {
	for k := range a.members {
		delete(a.members, k)
	}
}

// ClusterCount returns the number of member clusters.
func (a *TrackAgent) ClusterCount() int { return len(a.members) }

// IsEmpty reports whether the agent has no member clusters.
func (a *TrackAgent) IsEmpty() bool { return len(a.members) == 0 }

// ExtendExpiry moves the expiry to deadline if that is later. Expiry never
// moves backward.
func (a *TrackAgent) ExtendExpiry(deadline time.Time) {
	if deadline.After(a.Expiry) {
		a.Expiry = deadline
	}
}

// IsExpired reports whether the agent's expiry is strictly before now.
func (a *TrackAgent) IsExpired(now time.Time) bool {
	return now.After(a.Expiry)
}

// decay applies exponential forgetting to the support quality.
func (a *TrackAgent) decay(dt, tau time.Duration) {
	if dt <= 0 || tau <= 0 {
		return
	}
	a.SupportQuality *= math.Exp(-dt.Seconds() / tau.Seconds())
}

// noteMotion re-anchors the agent when its centroid has moved more than
// threshold pixels since the last anchor.
func (a *TrackAgent) noteMotion(now time.Time, threshold float64) {
	if r2.Norm(r2.Sub(a.Centroid, a.anchor)) > threshold {
		a.anchor = a.Centroid
		a.lastMoved = now
	}
}

// IsStatic reports whether the agent has stayed put for at least window.
func (a *TrackAgent) IsStatic(now time.Time, window time.Duration) bool {
	return now.Sub(a.lastMoved) >= window
}

func (a *TrackAgent) setBest(best bool) {
	a.IsBest = best
	if best {
		a.Color = HighlightColor
	} else {
		a.Color = a.baseColor
	}
}

// AgentView is a read-only copy of an agent for external consumers.
type AgentView struct {
	ID             uint64    `json:"id"`
	Key            string    `json:"key"`
	X              float32   `json:"x"`
	Y              float32   `json:"y"`
	SupportQuality float32   `json:"support_quality"`
	ClusterKeys    []string  `json:"cluster_keys"`
	CreatedAt      time.Time `json:"created_at"`
	Expiry         time.Time `json:"expiry"`
	LastAssociated time.Time `json:"last_associated"`
	Color          Color     `json:"color"`
	IsBest         bool      `json:"is_best"`
}

// Position returns the agent centroid in pixel coordinates.
func (v AgentView) Position() (float32, float32) { return v.X, v.Y }

func (a *TrackAgent) view() AgentView {
	keys := make([]string, 0, len(a.members))
	for k := range a.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return AgentView{
		ID:             a.ID,
		Key:            a.Key,
		X:              float32(a.Centroid.X),
		Y:              float32(a.Centroid.Y),
		SupportQuality: float32(a.SupportQuality),
		ClusterKeys:    keys,
		CreatedAt:      a.CreatedAt,
		Expiry:         a.Expiry,
		LastAssociated: a.LastAssociated,
		Color:          a.Color,
		IsBest:         a.IsBest,
	}
}
