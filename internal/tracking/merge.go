package tracking

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// MergeConfig controls when two clusters are folded into one.
type MergeConfig struct {
	// AngleThresholdDeg is the largest angle between the two velocity
	// vectors that still counts as moving together.
	AngleThresholdDeg float64

	// RequireVelocity refuses to merge pairs where either velocity is not
	// yet known. When false, an unknown velocity counts as a 0° angle.
	RequireVelocity bool
}

// MergedPair records one merge: Absorbed was folded into Survivor.
type MergedPair struct {
	Survivor string
	Absorbed string
}

// MergeResult lists the merges performed by one Merge call, in order.
type MergeResult struct {
	Pairs []MergedPair
}

// Count returns the number of merges performed.
func (r MergeResult) Count() int { return len(r.Pairs) }

// ClusterMerger folds together clusters that overlap and move coherently.
type ClusterMerger struct {
	Config MergeConfig
}

// Merge repeatedly folds the first compatible pair until none remain. The
// scan restarts after every merge, since the survivor's new position and
// radius may make it compatible with clusters already passed over. The
// returned slice keeps the relative order of the input survivors and shares
// the input's backing array; vacated tail slots are cleared.
func (m *ClusterMerger) Merge(clusters []*TrackedCluster) ([]*TrackedCluster, MergeResult) {
	var result MergeResult
	for {
		i, j, ok := m.firstCompatiblePair(clusters)
		if !ok {
			return clusters, result
		}
		survivor, absorbedIdx := clusters[i], j
		if !outranks(clusters[i], clusters[j]) {
			survivor, absorbedIdx = clusters[j], i
		}
		absorbed := clusters[absorbedIdx]
		absorb(survivor, absorbed)
		copy(clusters[absorbedIdx:], clusters[absorbedIdx+1:])
		clusters[len(clusters)-1] = nil
		clusters = clusters[:len(clusters)-1]
		result.Pairs = append(result.Pairs, MergedPair{Survivor: survivor.Key, Absorbed: absorbed.Key})
	}
}

func (m *ClusterMerger) firstCompatiblePair(clusters []*TrackedCluster) (int, int, bool) {
	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			if m.Compatible(clusters[i], clusters[j]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// Compatible reports whether a and b overlap in the L1 sense and their
// velocities point within the configured angle of each other.
func (m *ClusterMerger) Compatible(a, b *TrackedCluster) bool {
	if a.ManhattanDistance(b) >= a.Radius+b.Radius {
		return false
	}
	angle, known := VelocityAngleDeg(a, b)
	if !known {
		return !m.Config.RequireVelocity
	}
	return angle <= m.Config.AngleThresholdDeg
}

// VelocityAngleDeg returns the angle between the two clusters' velocity
// vectors in degrees. The second result is false when either velocity is
// unknown. A stationary cluster has no direction and yields 0°.
func VelocityAngleDeg(a, b *TrackedCluster) (float64, bool) {
	va, okA := a.Velocity()
	vb, okB := b.Velocity()
	if !okA || !okB {
		return 0, false
	}
	if r2.Norm(va) == 0 || r2.Norm(vb) == 0 {
		return 0, true
	}
	cos := math.Max(-1, math.Min(1, r2.Cos(va, vb)))
	return math.Acos(cos) * 180 / math.Pi, true
}

// outranks reports whether a should survive a merge with b: heavier wins,
// then older, then the lexically smaller key.
func outranks(a, b *TrackedCluster) bool {
	if a.Mass != b.Mass {
		return a.Mass > b.Mass
	}
	if !a.BirthTime.Equal(b.BirthTime) {
		return a.BirthTime.Before(b.BirthTime)
	}
	return a.Key < b.Key
}

// absorb folds b into a. The survivor keeps its key, history, velocity
// estimator and radius.
func absorb(a, b *TrackedCluster) {
	total := a.Mass + b.Mass
	if total > 0 {
		a.Position = r2.Scale(1/total, r2.Add(r2.Scale(a.Mass, a.Position), r2.Scale(b.Mass, b.Position)))
	}
	a.Mass = total

	if b.BirthTime.Before(a.BirthTime) {
		a.BirthTime = b.BirthTime
	}
	if b.LastUpdate.After(a.LastUpdate) {
		a.LastUpdate = b.LastUpdate
	}
	if b.Expiry.After(a.Expiry) {
		a.Expiry = b.Expiry
	}
	if b.refreshedAt.After(a.refreshedAt) {
		a.refreshedAt = b.refreshedAt
	}
	if a.AgentID == 0 {
		a.AgentID = b.AgentID
	}
	for k := range b.sources {
		a.sources[k] = struct{}{}
	}
}
