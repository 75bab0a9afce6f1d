// Package pose turns the tracker's best agent into pan/tilt aim commands
// for a pointing device.
package pose

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/tracking"
)

// Pose is an aim command in degrees relative to the optical axis.
type Pose struct {
	PanDeg   float64   `json:"pan_deg"`
	TiltDeg  float64   `json:"tilt_deg"`
	AgentKey string    `json:"agent_key"`
	Quality  float64   `json:"quality"`
	Time     time.Time `json:"time"`
}

// Sink accepts aim commands. Implementations drive hardware, forward over a
// network or simply log.
type Sink interface {
	Aim(ctx context.Context, p Pose) error
}

// LogSink writes aim commands to the diagnostic log.
type LogSink struct{}

// Aim logs p.
func (LogSink) Aim(_ context.Context, p Pose) error {
	monitoring.Diagf("aim pan=%.2f° tilt=%.2f° agent=%s q=%.2f", p.PanDeg, p.TiltDeg, p.AgentKey, p.Quality)
	return nil
}

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	// FOV is the fixed sensor geometry, used when Geometry is nil.
	FOV tracking.FieldOfView

	// Geometry, when set, is consulted on every tick so runtime changes to
	// the field of view take effect immediately. Engine.FieldOfView fits.
	Geometry func() tracking.FieldOfView

	Sink Sink

	// DeadbandDeg suppresses commands that move less than this on both axes
	// while following the same agent.
	DeadbandDeg float64
	// MaxRate caps commands per second. Zero disables the cap.
	MaxRate float64
	// Timeout bounds each Aim call. Zero means no timeout.
	Timeout time.Duration
}

// FollowerStats counts the follower's decisions.
type FollowerStats struct {
	Sent        uint64 `json:"sent"`
	Deadbanded  uint64 `json:"deadbanded"`
	RateLimited uint64 `json:"rate_limited"`
	Failed      uint64 `json:"failed"`
}

// Follower is a tracking.Recorder that aims at the best agent after every
// tick. With no best agent it holds the last pose.
//
// Concurrent RecordTick calls are serialized: the deadband and rate
// decisions, the sink call and the commit of the new pose happen as one
// step, so two ticks can never both pass the deadband against the same
// previous pose.
type Follower struct {
	geometry func() tracking.FieldOfView
	sink     Sink
	deadband float64
	timeout  time.Duration
	limiter  *rate.Limiter

	// tickMu serializes RecordTick. mu guards last and stats so readers
	// never wait on a slow sink.
	tickMu sync.Mutex
	mu     sync.Mutex
	last   *Pose
	stats  FollowerStats
}

var _ tracking.Recorder = (*Follower)(nil)

// NewFollower creates a follower. A nil sink logs commands.
func NewFollower(cfg FollowerConfig) *Follower {
	sink := cfg.Sink
	if sink == nil {
		sink = LogSink{}
	}
	limit := rate.Inf
	if cfg.MaxRate > 0 {
		limit = rate.Limit(cfg.MaxRate)
	}
	geometry := cfg.Geometry
	if geometry == nil {
		fov := cfg.FOV
		geometry = func() tracking.FieldOfView { return fov }
	}
	return &Follower{
		geometry: geometry,
		sink:     sink,
		deadband: cfg.DeadbandDeg,
		timeout:  cfg.Timeout,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// PoseFor maps an agent to the pose that centers it under the current
// sensor geometry.
func (f *Follower) PoseFor(a tracking.AgentView, at time.Time) Pose {
	pan, tilt := f.geometry().PixelToAngle(r2.Vec{X: float64(a.X), Y: float64(a.Y)})
	return Pose{PanDeg: pan, TiltDeg: tilt, AgentKey: a.Key, Quality: float64(a.SupportQuality), Time: at}
}

// RecordTick aims at the tick's best agent.
func (f *Follower) RecordTick(s tracking.TickSummary) {
	if s.Best == nil {
		return
	}
	p := f.PoseFor(*s.Best, s.Time)

	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	f.mu.Lock()
	if f.last != nil && f.last.AgentKey == p.AgentKey &&
		math.Abs(p.PanDeg-f.last.PanDeg) < f.deadband &&
		math.Abs(p.TiltDeg-f.last.TiltDeg) < f.deadband {
		f.stats.Deadbanded++
		f.mu.Unlock()
		return
	}
	if !f.limiter.AllowN(s.Time, 1) {
		f.stats.RateLimited++
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	err := f.aim(p)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.stats.Failed++
		monitoring.Opsf("pose follower: %v", err)
		return
	}
	f.last = &p
	f.stats.Sent++
}

func (f *Follower) aim(p Pose) error {
	ctx := context.Background()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if err := f.sink.Aim(ctx, p); err != nil {
		return fmt.Errorf("aim at agent %s: %w", p.AgentKey, err)
	}
	return nil
}

// Last returns the most recent pose sent to the sink.
func (f *Follower) Last() (Pose, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Pose{}, false
	}
	return *f.last, true
}

// Stats returns a copy of the follower counters.
func (f *Follower) Stats() FollowerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
