// Package tracking owns the agent tracker: it folds transient blob
// detections into tracked clusters, merges clusters that describe the same
// object, associates clusters with persistent agents and picks the single
// best-supported agent each tick.
//
// Responsibilities: windowed velocity estimation, cluster merge/dedup,
// agent lifecycle (spawn, reward, eviction, expiry) and best-agent
// selection. Key types: Engine, TrackedCluster, TrackAgent.
//
// All engine state is owned by an Engine value and mutated inside Tick under
// the engine lock. Readers receive copies (AgentView, ClusterView) and never
// a live reference. Scheduling lives outside the core: Runner drives Tick at
// a fixed rate, tests call Tick directly with synthetic time.
//
// No rendering, hardware or SQL code is allowed in this package.
package tracking
