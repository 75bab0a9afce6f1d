package tracking

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/timeutil"
)

// Recorder receives a summary after every tick. Recorders are called after
// the engine lock is released and may be called from more than one
// goroutine if ticks are driven concurrently.
type Recorder interface {
	RecordTick(s TickSummary)
}

// AgentRemoval describes one agent leaving the engine during a tick.
type AgentRemoval struct {
	ID     uint64 `json:"id"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// TickSummary is the outcome of one tick. All slices are owned by the
// summary.
type TickSummary struct {
	Seq             uint64         `json:"seq"`
	Time            time.Time      `json:"time"`
	Origin          Origin         `json:"origin"`
	Detections      int            `json:"detections"`
	Skipped         map[string]int `json:"skipped,omitempty"`
	ClustersCreated int            `json:"clusters_created"`
	ClusterCount    int            `json:"cluster_count"`
	Merges          []MergedPair   `json:"merges,omitempty"`
	AgentsSpawned   int            `json:"agents_spawned"`
	Removed         []AgentRemoval `json:"removed,omitempty"`
	Agents          []AgentView    `json:"agents"`
	Best            *AgentView     `json:"best,omitempty"`
	BestChanged     bool           `json:"best_changed"`
	PreviousBestKey string         `json:"previous_best_key,omitempty"`
}

// Stats are cumulative engine counters.
type Stats struct {
	Ticks             uint64    `json:"ticks"`
	LiveTicks         uint64    `json:"live_ticks"`
	TestTicks         uint64    `json:"test_ticks"`
	Detections        uint64    `json:"detections"`
	DetectionsSkipped uint64    `json:"detections_skipped"`
	ClustersCreated   uint64    `json:"clusters_created"`
	Merges            uint64    `json:"merges"`
	AgentsSpawned     uint64    `json:"agents_spawned"`
	AgentsEvicted     uint64    `json:"agents_evicted"`
	AgentsRemoved     uint64    `json:"agents_removed"`
	BestSwitches      uint64    `json:"best_switches"`
	AgentCount        int       `json:"agent_count"`
	ClusterCount      int       `json:"cluster_count"`
	LastTick          time.Time `json:"last_tick"`
}

// EngineOption customizes an Engine at construction.
type EngineOption func(*Engine)

// WithClock sets the clock used by IngestLive and IngestTest.
func WithClock(c timeutil.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithKeyFunc overrides agent key generation.
func WithKeyFunc(f func() string) EngineOption {
	return func(e *Engine) { e.newKey = f }
}

// WithRecorder registers a recorder at construction.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorders = append(e.recorders, r) }
}

// Engine is the single owner of all cluster and agent state.
type Engine struct {
	cfg    Config
	merger ClusterMerger
	clock  timeutil.Clock
	newKey func() string

	clusters []*TrackedCluster
	agents   map[uint64]*TrackAgent
	nextID   uint64
	bestID   uint64
	lastTick time.Time
	seq      uint64
	stats    Stats

	recorders []Recorder

	mu sync.RWMutex
}

// NewEngine creates an engine with the given configuration.
func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		merger: ClusterMerger{Config: cfg.mergeConfig()},
		clock:  timeutil.RealClock{},
		newKey: uuid.NewString,
		agents: make(map[uint64]*TrackAgent),
		nextID: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// AddRecorder registers a recorder for subsequent ticks.
func (e *Engine) AddRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorders = append(e.recorders, r)
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// UpdateConfig applies fn to a copy of the configuration and installs it if
// it validates. Existing clusters keep their velocity window and history
// capacity; new clusters use the new values.
func (e *Engine) UpdateConfig(fn func(*Config)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	e.cfg = next
	e.merger.Config = next.mergeConfig()
	monitoring.Diagf("tracking config updated: max_agents=%d gating=%.2f merge_angle=%.0f",
		next.MaxAgents, next.GatingFraction, next.MergeAngleDeg)
	return nil
}

// Reset drops all clusters and agents. Cumulative stats are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clusters = nil
	e.agents = make(map[uint64]*TrackAgent)
	e.bestID = 0
	e.lastTick = time.Time{}
	e.stats.AgentCount = 0
	e.stats.ClusterCount = 0
}

// IngestLive runs one tick on a batch from the live sensor path.
func (e *Engine) IngestLive(detections []Detection) TickSummary {
	return e.Tick(e.clock.Now(), OriginLive, detections)
}

// IngestTest runs one tick on a batch from a synthetic or replay source.
// Processing is identical to IngestLive.
func (e *Engine) IngestTest(detections []Detection) TickSummary {
	return e.Tick(e.clock.Now(), OriginTest, detections)
}

// Tick runs the full pipeline for one batch at time now: ingest, merge,
// associate, sweep and best-agent selection. A now earlier than the
// previous tick is processed with zero elapsed time.
func (e *Engine) Tick(now time.Time, origin Origin, detections []Detection) TickSummary {
	start := time.Now()

	e.mu.Lock()
	summary := e.tickLocked(now, origin, detections)
	recorders := append([]Recorder(nil), e.recorders...)
	e.mu.Unlock()

	observeTick(summary, time.Since(start).Seconds())
	for _, r := range recorders {
		r.RecordTick(summary)
	}
	return summary
}

func (e *Engine) tickLocked(now time.Time, origin Origin, detections []Detection) TickSummary {
	e.seq++
	summary := TickSummary{Seq: e.seq, Time: now, Origin: origin}

	var dt time.Duration
	if !e.lastTick.IsZero() {
		dt = now.Sub(e.lastTick)
		if dt < 0 {
			monitoring.Diagf("tick time went backwards by %v; treating as zero elapsed", -dt)
			dt = 0
		}
	}
	if now.After(e.lastTick) {
		e.lastTick = now
	}
	for _, a := range e.agents {
		a.decay(dt, e.cfg.QualityTau)
	}

	e.ingest(now, detections, &summary)

	var merges MergeResult
	e.clusters, merges = e.merger.Merge(e.clusters)
	summary.Merges = merges.Pairs

	e.associate(now, &summary)
	e.sweep(now, &summary)
	e.selectBest(&summary)

	summary.ClusterCount = len(e.clusters)
	summary.Agents = e.agentViews()
	if best, ok := e.agents[e.bestID]; ok {
		v := best.view()
		summary.Best = &v
	}

	e.accumulateStats(origin, now, &summary)
	return summary
}

// ingest folds each usable detection into a cluster: first by key, then by
// proximity to where a cluster not yet refreshed this tick is predicted to
// be, otherwise a new cluster is created. Detections off the sensor are
// skipped.
func (e *Engine) ingest(now time.Time, detections []Detection, summary *TickSummary) {
	for i, d := range detections {
		obs, reason, err := readDetection(d)
		if reason == "" && !e.cfg.FOV.Contains(obs.position) {
			reason = skipOffSensor
			err = fmt.Errorf("detection %q at (%v, %v) lies outside the %dx%d px sensor",
				obs.key, obs.position.X, obs.position.Y, e.cfg.FOV.WidthPx, e.cfg.FOV.HeightPx)
		}
		if reason != "" {
			if summary.Skipped == nil {
				summary.Skipped = make(map[string]int)
			}
			summary.Skipped[reason]++
			if err != nil {
				monitoring.Opsf("skipping detection %d of %d: %v", i, len(detections), err)
			} else {
				monitoring.Tracef("skipping detection %d of %d: %s", i, len(detections), reason)
			}
			continue
		}
		summary.Detections++

		if c := e.clusterByKey(obs.key); c != nil {
			c.Refresh(obs, now, e.cfg.ClusterLifetime)
			continue
		}
		if c := e.nearestOpenCluster(obs.position, now); c != nil {
			c.Refresh(obs, now, e.cfg.ClusterLifetime)
			continue
		}
		e.clusters = append(e.clusters, newTrackedCluster(obs, now, e.cfg))
		summary.ClustersCreated++
	}
}

func (e *Engine) clusterByKey(key string) *TrackedCluster {
	for _, c := range e.clusters {
		if c.hasSource(key) {
			return c
		}
	}
	return nil
}

func (e *Engine) nearestOpenCluster(p r2.Vec, now time.Time) *TrackedCluster {
	var best *TrackedCluster
	bestDist := math.Inf(1)
	for _, c := range e.clusters {
		if c.freshAt(now) || c.IsExpired(now) {
			continue
		}
		d := manhattan(c.PredictPosition(now), p)
		if d < c.Radius && d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// associate rebuilds agent membership from scratch. Clusters are visited
// oldest first; each joins the agent whose centroid is nearest, or spawns a
// new agent when none is within the gate. Only clusters refreshed this tick
// earn rewards.
func (e *Engine) associate(now time.Time, summary *TickSummary) {
	for _, a := range e.agents {
		a.clearMembers()
	}

	order := make([]*TrackedCluster, 0, len(e.clusters))
	for _, c := range e.clusters {
		if c.IsExpired(now) {
			c.AgentID = 0
			continue
		}
		order = append(order, c)
	}
	sort.SliceStable(order, func(i, j int) bool {
		if !order[i].BirthTime.Equal(order[j].BirthTime) {
			return order[i].BirthTime.Before(order[j].BirthTime)
		}
		return order[i].Key < order[j].Key
	})

	gate := e.cfg.FOV.GatingRadius(e.cfg.GatingFraction)
	for _, c := range order {
		fresh := c.freshAt(now)
		agent := e.nearestAgent(c.Position, gate)
		if agent == nil {
			agent = e.spawn(c, now, summary)
		} else {
			agent.addMember(c)
			if fresh {
				agent.SupportQuality++
				agent.LastAssociated = now
				agent.ExtendExpiry(now.Add(e.cfg.AgentLifetime))
			}
		}
		c.AgentID = agent.ID
		if fresh {
			c.ExtendLifetime(e.cfg.ClusterReward)
		}
	}

	for _, a := range e.agents {
		a.noteMotion(now, e.cfg.StaticMotionPx)
	}
}

// nearestAgent returns the agent whose centroid is closest to p within the
// gate. Ties go to the lower ID.
func (e *Engine) nearestAgent(p r2.Vec, gate float64) *TrackAgent {
	var best *TrackAgent
	bestDist := math.Inf(1)
	for _, a := range e.agents {
		d := r2.Norm(r2.Sub(a.Centroid, p))
		if d > gate {
			continue
		}
		if d < bestDist || (d == bestDist && best != nil && a.ID < best.ID) {
			best, bestDist = a, d
		}
	}
	return best
}

// spawn creates an agent seeded by c, evicting the weakest agent first if
// the cap is reached.
func (e *Engine) spawn(c *TrackedCluster, now time.Time, summary *TickSummary) *TrackAgent {
	if len(e.agents) >= e.cfg.MaxAgents {
		if victim := e.weakestAgent(); victim != nil {
			e.removeAgent(victim, RemovedEvicted, summary)
		}
	}
	a := newTrackAgent(e.nextID, e.newKey(), c, now, e.cfg.AgentLifetime)
	e.nextID++
	e.agents[a.ID] = a
	summary.AgentsSpawned++
	monitoring.Diagf("spawned agent %d (%s) at (%.1f, %.1f) from cluster %s",
		a.ID, a.Key, c.Position.X, c.Position.Y, c.Key)
	return a
}

// weakestAgent returns the agent with the lowest support quality. Ties go
// to the newest agent.
func (e *Engine) weakestAgent() *TrackAgent {
	var weakest *TrackAgent
	for _, a := range e.agents {
		if weakest == nil ||
			a.SupportQuality < weakest.SupportQuality ||
			(a.SupportQuality == weakest.SupportQuality && a.ID > weakest.ID) {
			weakest = a
		}
	}
	return weakest
}

func (e *Engine) removeAgent(a *TrackAgent, reason string, summary *TickSummary) {
	for _, c := range e.clusters {
		if c.AgentID == a.ID {
			c.AgentID = 0
		}
	}
	delete(e.agents, a.ID)
	summary.Removed = append(summary.Removed, AgentRemoval{ID: a.ID, Key: a.Key, Reason: reason})
	monitoring.Diagf("removed agent %d (%s): %s, quality=%.3f", a.ID, a.Key, reason, a.SupportQuality)
}

// sweep drops expired clusters and detaches them from their agents, then
// drops agents that are empty and either expired or static.
func (e *Engine) sweep(now time.Time, summary *TickSummary) {
	kept := e.clusters[:0]
	for _, c := range e.clusters {
		if c.IsExpired(now) {
			if a, ok := e.agents[c.AgentID]; ok {
				a.removeMember(c.Key)
			}
			monitoring.Tracef("cluster %s expired (mass=%.0f)", c.Key, c.Mass)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(e.clusters); i++ {
		e.clusters[i] = nil
	}
	e.clusters = kept

	ids := make([]uint64, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		a := e.agents[id]
		if !a.IsEmpty() {
			continue
		}
		switch {
		case a.IsExpired(now):
			e.removeAgent(a, RemovedExpired, summary)
		case a.IsStatic(now, e.cfg.StaticWindow):
			e.removeAgent(a, RemovedStatic, summary)
		}
	}
}

// selectBest flags the agent with the highest support quality, ties going
// to the lower ID, and reverts the flag on the previous best.
func (e *Engine) selectBest(summary *TickSummary) {
	var best *TrackAgent
	for _, a := range e.agents {
		if best == nil ||
			a.SupportQuality > best.SupportQuality ||
			(a.SupportQuality == best.SupportQuality && a.ID < best.ID) {
			best = a
		}
	}

	var nextID uint64
	if best != nil {
		nextID = best.ID
	}
	if nextID == e.bestID {
		return
	}

	if prev, ok := e.agents[e.bestID]; ok {
		prev.setBest(false)
	}
	if prevKey := e.bestKey(summary); prevKey != "" {
		summary.PreviousBestKey = prevKey
	}
	if best != nil {
		best.setBest(true)
		monitoring.Diagf("best agent is now %d (%s) quality=%.3f", best.ID, best.Key, best.SupportQuality)
	}
	e.bestID = nextID
	summary.BestChanged = true
}

// bestKey returns the key of the current best agent, including one removed
// earlier in this tick.
func (e *Engine) bestKey(summary *TickSummary) string {
	if e.bestID == 0 {
		return ""
	}
	if a, ok := e.agents[e.bestID]; ok {
		return a.Key
	}
	for _, r := range summary.Removed {
		if r.ID == e.bestID {
			return r.Key
		}
	}
	return ""
}

func (e *Engine) accumulateStats(origin Origin, now time.Time, s *TickSummary) {
	e.stats.Ticks++
	switch origin {
	case OriginLive:
		e.stats.LiveTicks++
	case OriginTest:
		e.stats.TestTicks++
	}
	e.stats.Detections += uint64(s.Detections)
	for _, n := range s.Skipped {
		e.stats.DetectionsSkipped += uint64(n)
	}
	e.stats.ClustersCreated += uint64(s.ClustersCreated)
	e.stats.Merges += uint64(len(s.Merges))
	e.stats.AgentsSpawned += uint64(s.AgentsSpawned)
	for _, r := range s.Removed {
		if r.Reason == RemovedEvicted {
			e.stats.AgentsEvicted++
		} else {
			e.stats.AgentsRemoved++
		}
	}
	if s.BestChanged {
		e.stats.BestSwitches++
	}
	e.stats.AgentCount = len(e.agents)
	e.stats.ClusterCount = len(e.clusters)
	e.stats.LastTick = now
}

func (e *Engine) agentViews() []AgentView {
	views := make([]AgentView, 0, len(e.agents))
	for _, a := range e.agents {
		views = append(views, a.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// AgentsSnapshot returns copies of all live agents ordered by ID.
func (e *Engine) AgentsSnapshot() []AgentView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agentViews()
}

// ClustersSnapshot returns copies of all live clusters.
func (e *Engine) ClustersSnapshot() []ClusterView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	views := make([]ClusterView, 0, len(e.clusters))
	for _, c := range e.clusters {
		views = append(views, c.view())
	}
	return views
}

// BestAgent returns a copy of the current best agent, if any.
func (e *Engine) BestAgent() (AgentView, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[e.bestID]
	if !ok {
		return AgentView{}, false
	}
	return a.view(), true
}

// Agent returns a copy of the agent with the given key.
func (e *Engine) Agent(key string) (AgentView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.agents {
		if a.Key == key {
			return a.view(), nil
		}
	}
	return AgentView{}, fmt.Errorf("agent %q: %w", key, ErrAgentNotFound)
}

// Stats returns a copy of the cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// FieldOfView returns the configured sensor geometry.
func (e *Engine) FieldOfView() FieldOfView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.FOV
}
