package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

//go:embed tuning.defaults.json
var defaultsJSON []byte

// TuningConfig represents the root configuration for tracker tuning.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime updates. Every field is a
// pointer so that partial documents leave unspecified values at their
// defaults.
type TuningConfig struct {
	// Agent lifecycle
	MaxAgents     *int     `json:"max_agents,omitempty"`
	AgentLifetime *string  `json:"agent_lifetime,omitempty"` // duration string like "2s"
	QualityTau    *string  `json:"quality_tau,omitempty"`
	StaticWindow  *string  `json:"static_window,omitempty"`
	StaticMotion  *float64 `json:"static_motion_px,omitempty"`

	// Cluster lifecycle
	ClusterLifetime *string  `json:"cluster_lifetime,omitempty"`
	ClusterReward   *string  `json:"cluster_reward,omitempty"`
	ClusterRadius   *float64 `json:"cluster_radius_px,omitempty"`
	HistoryLength   *int     `json:"history_length,omitempty"`
	VelocityWindow  *int     `json:"velocity_window,omitempty"`

	// Association and merging
	GatingFraction       *float64 `json:"gating_fraction,omitempty"`
	MergeAngleDeg        *float64 `json:"merge_angle_deg,omitempty"`
	MergeRequireVelocity *bool    `json:"merge_require_velocity,omitempty"`

	// Scheduling
	TickInterval *string `json:"tick_interval,omitempty"`

	// Field of view
	FOVWidthPx       *int     `json:"fov_width_px,omitempty"`
	FOVHeightPx      *int     `json:"fov_height_px,omitempty"`
	FOVHorizontalDeg *float64 `json:"fov_horizontal_deg,omitempty"`
	FOVVerticalDeg   *float64 `json:"fov_vertical_deg,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns the embedded canonical defaults with every
// field populated.
func DefaultTuningConfig() *TuningConfig {
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(defaultsJSON, cfg); err != nil {
		panic(fmt.Sprintf("embedded tuning defaults are invalid: %v", err))
	}
	return cfg
}

// ParseTuningConfig decodes and validates a JSON document.
func ParseTuningConfig(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file fall back to the Get* defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseTuningConfig(data)
}

// Validate checks that the values that are set are usable.
func (c *TuningConfig) Validate() error {
	if c.MaxAgents != nil && *c.MaxAgents < 1 {
		return fmt.Errorf("max_agents must be at least 1, got %d", *c.MaxAgents)
	}
	if c.HistoryLength != nil && *c.HistoryLength < 1 {
		return fmt.Errorf("history_length must be at least 1, got %d", *c.HistoryLength)
	}
	if c.VelocityWindow != nil && *c.VelocityWindow < 2 {
		return fmt.Errorf("velocity_window must be at least 2, got %d", *c.VelocityWindow)
	}
	if c.GatingFraction != nil && (*c.GatingFraction <= 0 || *c.GatingFraction > 1) {
		return fmt.Errorf("gating_fraction must be in (0, 1], got %f", *c.GatingFraction)
	}
	if c.MergeAngleDeg != nil && (*c.MergeAngleDeg < 0 || *c.MergeAngleDeg > 180) {
		return fmt.Errorf("merge_angle_deg must be between 0 and 180, got %f", *c.MergeAngleDeg)
	}
	if c.ClusterRadius != nil && *c.ClusterRadius <= 0 {
		return fmt.Errorf("cluster_radius_px must be positive, got %f", *c.ClusterRadius)
	}
	if c.StaticMotion != nil && *c.StaticMotion < 0 {
		return fmt.Errorf("static_motion_px must be non-negative, got %f", *c.StaticMotion)
	}
	if c.FOVWidthPx != nil && *c.FOVWidthPx < 1 {
		return fmt.Errorf("fov_width_px must be positive, got %d", *c.FOVWidthPx)
	}
	if c.FOVHeightPx != nil && *c.FOVHeightPx < 1 {
		return fmt.Errorf("fov_height_px must be positive, got %d", *c.FOVHeightPx)
	}
	if c.FOVHorizontalDeg != nil && (*c.FOVHorizontalDeg <= 0 || *c.FOVHorizontalDeg >= 180) {
		return fmt.Errorf("fov_horizontal_deg must be in (0, 180), got %f", *c.FOVHorizontalDeg)
	}
	if c.FOVVerticalDeg != nil && (*c.FOVVerticalDeg <= 0 || *c.FOVVerticalDeg >= 180) {
		return fmt.Errorf("fov_vertical_deg must be in (0, 180), got %f", *c.FOVVerticalDeg)
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"agent_lifetime", c.AgentLifetime},
		{"quality_tau", c.QualityTau},
		{"static_window", c.StaticWindow},
		{"cluster_lifetime", c.ClusterLifetime},
		{"tick_interval", c.TickInterval},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}

	// The reward may be zero (disabled) but never negative.
	if c.ClusterReward != nil && *c.ClusterReward != "" {
		parsed, err := time.ParseDuration(*c.ClusterReward)
		if err != nil {
			return fmt.Errorf("invalid cluster_reward '%s': %w", *c.ClusterReward, err)
		}
		if parsed < 0 {
			return fmt.Errorf("cluster_reward must be non-negative, got %s", *c.ClusterReward)
		}
	}

	return nil
}

// Merge overlays the fields set in other onto c.
func (c *TuningConfig) Merge(other *TuningConfig) {
	if other == nil {
		return
	}
	if other.MaxAgents != nil {
		c.MaxAgents = other.MaxAgents
	}
	if other.AgentLifetime != nil {
		c.AgentLifetime = other.AgentLifetime
	}
	if other.QualityTau != nil {
		c.QualityTau = other.QualityTau
	}
	if other.StaticWindow != nil {
		c.StaticWindow = other.StaticWindow
	}
	if other.StaticMotion != nil {
		c.StaticMotion = other.StaticMotion
	}
	if other.ClusterLifetime != nil {
		c.ClusterLifetime = other.ClusterLifetime
	}
	if other.ClusterReward != nil {
		c.ClusterReward = other.ClusterReward
	}
	if other.ClusterRadius != nil {
		c.ClusterRadius = other.ClusterRadius
	}
	if other.HistoryLength != nil {
		c.HistoryLength = other.HistoryLength
	}
	if other.VelocityWindow != nil {
		c.VelocityWindow = other.VelocityWindow
	}
	if other.GatingFraction != nil {
		c.GatingFraction = other.GatingFraction
	}
	if other.MergeAngleDeg != nil {
		c.MergeAngleDeg = other.MergeAngleDeg
	}
	if other.MergeRequireVelocity != nil {
		c.MergeRequireVelocity = other.MergeRequireVelocity
	}
	if other.TickInterval != nil {
		c.TickInterval = other.TickInterval
	}
	if other.FOVWidthPx != nil {
		c.FOVWidthPx = other.FOVWidthPx
	}
	if other.FOVHeightPx != nil {
		c.FOVHeightPx = other.FOVHeightPx
	}
	if other.FOVHorizontalDeg != nil {
		c.FOVHorizontalDeg = other.FOVHorizontalDeg
	}
	if other.FOVVerticalDeg != nil {
		c.FOVVerticalDeg = other.FOVVerticalDeg
	}
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetMaxAgents returns the max_agents value or the default.
func (c *TuningConfig) GetMaxAgents() int {
	if c.MaxAgents == nil {
		return 5
	}
	return *c.MaxAgents
}

// GetAgentLifetime returns how long an empty agent survives after its last
// fresh association.
func (c *TuningConfig) GetAgentLifetime() time.Duration {
	return durationOr(c.AgentLifetime, 2*time.Second)
}

// GetQualityTau returns the support quality decay time constant.
func (c *TuningConfig) GetQualityTau() time.Duration {
	return durationOr(c.QualityTau, time.Second)
}

// GetStaticWindow returns how long an agent may sit still before it counts as static.
func (c *TuningConfig) GetStaticWindow() time.Duration {
	return durationOr(c.StaticWindow, 5*time.Second)
}

// GetStaticMotion returns the static_motion_px value or the default.
func (c *TuningConfig) GetStaticMotion() float64 {
	if c.StaticMotion == nil {
		return 2.0
	}
	return *c.StaticMotion
}

// GetClusterLifetime returns how long a cluster survives without a detection.
func (c *TuningConfig) GetClusterLifetime() time.Duration {
	return durationOr(c.ClusterLifetime, time.Second)
}

// GetClusterReward returns the lifetime extension granted when an agent
// claims a freshly refreshed cluster.
func (c *TuningConfig) GetClusterReward() time.Duration {
	return durationOr(c.ClusterReward, 100*time.Millisecond)
}

// GetClusterRadius returns the cluster_radius_px value or the default.
func (c *TuningConfig) GetClusterRadius() float64 {
	if c.ClusterRadius == nil {
		return 1.0
	}
	return *c.ClusterRadius
}

// GetHistoryLength returns the history_length value or the default.
func (c *TuningConfig) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return 32
	}
	return *c.HistoryLength
}

// GetVelocityWindow returns the velocity_window value or the default.
func (c *TuningConfig) GetVelocityWindow() int {
	if c.VelocityWindow == nil {
		return 6
	}
	return *c.VelocityWindow
}

// GetGatingFraction returns the gating_fraction value or the default.
func (c *TuningConfig) GetGatingFraction() float64 {
	if c.GatingFraction == nil {
		return 0.4
	}
	return *c.GatingFraction
}

// GetMergeAngleDeg returns the merge_angle_deg value or the default.
func (c *TuningConfig) GetMergeAngleDeg() float64 {
	if c.MergeAngleDeg == nil {
		return 60
	}
	return *c.MergeAngleDeg
}

// GetMergeRequireVelocity returns the merge_require_velocity value or the default.
func (c *TuningConfig) GetMergeRequireVelocity() bool {
	if c.MergeRequireVelocity == nil {
		return false
	}
	return *c.MergeRequireVelocity
}

// GetTickInterval returns the engine tick period.
func (c *TuningConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 100*time.Millisecond)
}

// GetFOVWidthPx returns the fov_width_px value or the default.
func (c *TuningConfig) GetFOVWidthPx() int {
	if c.FOVWidthPx == nil {
		return 128
	}
	return *c.FOVWidthPx
}

// GetFOVHeightPx returns the fov_height_px value or the default.
func (c *TuningConfig) GetFOVHeightPx() int {
	if c.FOVHeightPx == nil {
		return 128
	}
	return *c.FOVHeightPx
}

// GetFOVHorizontalDeg returns the fov_horizontal_deg value or the default.
func (c *TuningConfig) GetFOVHorizontalDeg() float64 {
	if c.FOVHorizontalDeg == nil {
		return 45
	}
	return *c.FOVHorizontalDeg
}

// GetFOVVerticalDeg returns the fov_vertical_deg value or the default.
func (c *TuningConfig) GetFOVVerticalDeg() float64 {
	if c.FOVVerticalDeg == nil {
		return 45
	}
	return *c.FOVVerticalDeg
}
