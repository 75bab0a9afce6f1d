package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ticksTotal counts engine ticks by entry point (live, test).
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "ticks_total",
		Help:      "Total engine ticks by origin",
	}, []string{"origin"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "tick_duration_seconds",
		Help:      "Wall time spent inside one engine tick",
		Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
	})

	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "detections_total",
		Help:      "Detections folded into clusters, by origin",
	}, []string{"origin"})

	// detectionsSkipped counts dropped detections.
	// Labels: reason (nil, empty_key, non_finite, adapter_panic, invisible)
	detectionsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "detections_skipped_total",
		Help:      "Detections dropped before clustering, by reason",
	}, []string{"reason"})

	clusterMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "cluster_merges_total",
		Help:      "Total cluster merges",
	})

	agentsSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "agents_spawned_total",
		Help:      "Total agents created",
	})

	// agentsRemoved counts agents leaving the engine.
	// Labels: reason (evicted, expired, static)
	agentsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "agents_removed_total",
		Help:      "Total agents removed, by reason",
	}, []string{"reason"})

	bestSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "best_agent_switches_total",
		Help:      "Times the best agent changed identity",
	})

	liveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "agents",
		Help:      "Agents alive after the most recent tick",
	})

	liveClusters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blobtrack",
		Subsystem: "engine",
		Name:      "clusters",
		Help:      "Clusters alive after the most recent tick",
	})
)

// Removal reasons used as metric labels and in tick summaries.
const (
	RemovedEvicted = "evicted"
	RemovedExpired = "expired"
	RemovedStatic  = "static"
)

func observeTick(s TickSummary, seconds float64) {
	ticksTotal.WithLabelValues(string(s.Origin)).Inc()
	tickDuration.Observe(seconds)
	detectionsTotal.WithLabelValues(string(s.Origin)).Add(float64(s.Detections))
	for reason, n := range s.Skipped {
		detectionsSkipped.WithLabelValues(reason).Add(float64(n))
	}
	clusterMerges.Add(float64(len(s.Merges)))
	agentsSpawned.Add(float64(s.AgentsSpawned))
	for _, r := range s.Removed {
		agentsRemoved.WithLabelValues(r.Reason).Inc()
	}
	if s.BestChanged {
		bestSwitches.Inc()
	}
	liveAgents.Set(float64(len(s.Agents)))
	liveClusters.Set(float64(s.ClusterCount))
}
