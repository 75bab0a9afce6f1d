package tracking

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/blob.track/internal/config"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid tracking config")

// ErrAgentNotFound is returned by lookups for an agent that is not live.
var ErrAgentNotFound = errors.New("agent not found")

// Config holds the engine parameters.
type Config struct {
	// Agent lifecycle
	MaxAgents      int           // Hard cap on live agents
	AgentLifetime  time.Duration // Expiry extension granted per fresh association
	QualityTau     time.Duration // Time constant of support-quality decay
	StaticWindow   time.Duration // Motionless time after which an empty agent is dropped
	StaticMotionPx float64       // Centroid movement that counts as motion

	// Cluster lifecycle
	ClusterLifetime time.Duration // Expiry set on every detection refresh
	ClusterReward   time.Duration // Lifetime bonus for fresh association
	ClusterRadiusPx float64       // Proximity and merge radius
	HistoryLength   int           // Position samples retained per cluster
	VelocityWindow  int           // Samples in the least-squares window

	// Association and merging
	GatingFraction       float64 // Gate as a fraction of FOV width
	MergeAngleDeg        float64 // Max angle between velocities for a merge
	MergeRequireVelocity bool    // Refuse merges until both velocities are known

	FOV FieldOfView
}

// DefaultConfig returns the engine configuration built from the embedded
// tuning defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.DefaultTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig. Unset keys
// take their documented defaults.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MaxAgents:            cfg.GetMaxAgents(),
		AgentLifetime:        cfg.GetAgentLifetime(),
		QualityTau:           cfg.GetQualityTau(),
		StaticWindow:         cfg.GetStaticWindow(),
		StaticMotionPx:       cfg.GetStaticMotion(),
		ClusterLifetime:      cfg.GetClusterLifetime(),
		ClusterReward:        cfg.GetClusterReward(),
		ClusterRadiusPx:      cfg.GetClusterRadius(),
		HistoryLength:        cfg.GetHistoryLength(),
		VelocityWindow:       cfg.GetVelocityWindow(),
		GatingFraction:       cfg.GetGatingFraction(),
		MergeAngleDeg:        cfg.GetMergeAngleDeg(),
		MergeRequireVelocity: cfg.GetMergeRequireVelocity(),
		FOV: FieldOfView{
			WidthPx:       cfg.GetFOVWidthPx(),
			HeightPx:      cfg.GetFOVHeightPx(),
			HorizontalDeg: cfg.GetFOVHorizontalDeg(),
			VerticalDeg:   cfg.GetFOVVerticalDeg(),
		},
	}
}

// ApplyTuning overwrites only the fields that t sets. It is used by runtime
// tuning endpoints that accept partial documents.
func (c *Config) ApplyTuning(t *config.TuningConfig) {
	if t == nil {
		return
	}
	if t.MaxAgents != nil {
		c.MaxAgents = t.GetMaxAgents()
	}
	if t.AgentLifetime != nil {
		c.AgentLifetime = t.GetAgentLifetime()
	}
	if t.QualityTau != nil {
		c.QualityTau = t.GetQualityTau()
	}
	if t.StaticWindow != nil {
		c.StaticWindow = t.GetStaticWindow()
	}
	if t.StaticMotion != nil {
		c.StaticMotionPx = t.GetStaticMotion()
	}
	if t.ClusterLifetime != nil {
		c.ClusterLifetime = t.GetClusterLifetime()
	}
	if t.ClusterReward != nil {
		c.ClusterReward = t.GetClusterReward()
	}
	if t.ClusterRadius != nil {
		c.ClusterRadiusPx = t.GetClusterRadius()
	}
	if t.HistoryLength != nil {
		c.HistoryLength = t.GetHistoryLength()
	}
	if t.VelocityWindow != nil {
		c.VelocityWindow = t.GetVelocityWindow()
	}
	if t.GatingFraction != nil {
		c.GatingFraction = t.GetGatingFraction()
	}
	if t.MergeAngleDeg != nil {
		c.MergeAngleDeg = t.GetMergeAngleDeg()
	}
	if t.MergeRequireVelocity != nil {
		c.MergeRequireVelocity = t.GetMergeRequireVelocity()
	}
	if t.FOVWidthPx != nil {
		c.FOV.WidthPx = t.GetFOVWidthPx()
	}
	if t.FOVHeightPx != nil {
		c.FOV.HeightPx = t.GetFOVHeightPx()
	}
	if t.FOVHorizontalDeg != nil {
		c.FOV.HorizontalDeg = t.GetFOVHorizontalDeg()
	}
	if t.FOVVerticalDeg != nil {
		c.FOV.VerticalDeg = t.GetFOVVerticalDeg()
	}
}

// Tuning renders c as a fully populated TuningConfig. The tick interval
// belongs to the runner and is left unset.
func (c Config) Tuning() *config.TuningConfig {
	dur := func(d time.Duration) *string {
		s := d.String()
		return &s
	}
	maxAgents, history, window := c.MaxAgents, c.HistoryLength, c.VelocityWindow
	staticMotion, radius := c.StaticMotionPx, c.ClusterRadiusPx
	gating, angle, require := c.GatingFraction, c.MergeAngleDeg, c.MergeRequireVelocity
	w, h, hdeg, vdeg := c.FOV.WidthPx, c.FOV.HeightPx, c.FOV.HorizontalDeg, c.FOV.VerticalDeg
	return &config.TuningConfig{
		MaxAgents:            &maxAgents,
		AgentLifetime:        dur(c.AgentLifetime),
		QualityTau:           dur(c.QualityTau),
		StaticWindow:         dur(c.StaticWindow),
		StaticMotion:         &staticMotion,
		ClusterLifetime:      dur(c.ClusterLifetime),
		ClusterReward:        dur(c.ClusterReward),
		ClusterRadius:        &radius,
		HistoryLength:        &history,
		VelocityWindow:       &window,
		GatingFraction:       &gating,
		MergeAngleDeg:        &angle,
		MergeRequireVelocity: &require,
		FOVWidthPx:           &w,
		FOVHeightPx:          &h,
		FOVHorizontalDeg:     &hdeg,
		FOVVerticalDeg:       &vdeg,
	}
}

// Validate checks that the configuration can drive an engine.
func (c Config) Validate() error {
	switch {
	case c.MaxAgents < 1:
		return fmt.Errorf("%w: max agents must be at least 1, got %d", ErrInvalidConfig, c.MaxAgents)
	case c.AgentLifetime <= 0:
		return fmt.Errorf("%w: agent lifetime must be positive, got %v", ErrInvalidConfig, c.AgentLifetime)
	case c.QualityTau <= 0:
		return fmt.Errorf("%w: quality tau must be positive, got %v", ErrInvalidConfig, c.QualityTau)
	case c.StaticWindow <= 0:
		return fmt.Errorf("%w: static window must be positive, got %v", ErrInvalidConfig, c.StaticWindow)
	case c.StaticMotionPx < 0:
		return fmt.Errorf("%w: static motion must be non-negative, got %v", ErrInvalidConfig, c.StaticMotionPx)
	case c.ClusterLifetime <= 0:
		return fmt.Errorf("%w: cluster lifetime must be positive, got %v", ErrInvalidConfig, c.ClusterLifetime)
	case c.ClusterReward < 0:
		return fmt.Errorf("%w: cluster reward must be non-negative, got %v", ErrInvalidConfig, c.ClusterReward)
	case !(c.ClusterRadiusPx > 0):
		return fmt.Errorf("%w: cluster radius must be positive, got %v", ErrInvalidConfig, c.ClusterRadiusPx)
	case c.HistoryLength < 1:
		return fmt.Errorf("%w: history length must be at least 1, got %d", ErrInvalidConfig, c.HistoryLength)
	case c.VelocityWindow < 2:
		return fmt.Errorf("%w: velocity window must be at least 2, got %d", ErrInvalidConfig, c.VelocityWindow)
	case !(c.GatingFraction > 0) || c.GatingFraction > 1:
		return fmt.Errorf("%w: gating fraction must be in (0, 1], got %v", ErrInvalidConfig, c.GatingFraction)
	case c.MergeAngleDeg < 0 || c.MergeAngleDeg > 180:
		return fmt.Errorf("%w: merge angle must be in [0, 180], got %v", ErrInvalidConfig, c.MergeAngleDeg)
	case c.FOV.WidthPx < 1 || c.FOV.HeightPx < 1:
		return fmt.Errorf("%w: field of view must be at least 1x1 px, got %dx%d", ErrInvalidConfig, c.FOV.WidthPx, c.FOV.HeightPx)
	case !(c.FOV.HorizontalDeg > 0) || c.FOV.HorizontalDeg >= 180 || !(c.FOV.VerticalDeg > 0) || c.FOV.VerticalDeg >= 180:
		return fmt.Errorf("%w: field of view angles must be in (0, 180), got %v x %v", ErrInvalidConfig, c.FOV.HorizontalDeg, c.FOV.VerticalDeg)
	}
	return nil
}

func (c Config) mergeConfig() MergeConfig {
	return MergeConfig{
		AngleThresholdDeg: c.MergeAngleDeg,
		RequireVelocity:   c.MergeRequireVelocity,
	}
}
