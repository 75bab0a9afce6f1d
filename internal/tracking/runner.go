package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/timeutil"
)

// Source supplies the detections visible at the moment it is polled.
type Source interface {
	Detections() []Detection
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func() []Detection

// Detections calls f.
func (f SourceFunc) Detections() []Detection { return f() }

// RunnerConfig contains configuration for Runner.
type RunnerConfig struct {
	// Engine receives one batch per tick.
	Engine *Engine
	// Source is polled once per tick.
	Source Source
	// Origin selects IngestLive or IngestTest. Defaults to OriginLive.
	Origin Origin
	// Interval is the tick period (e.g. 100*time.Millisecond).
	Interval time.Duration
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// Runner drives an Engine at a fixed rate from a Source.
type Runner struct {
	engine   *Engine
	source   Source
	origin   Origin
	interval time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRunner creates a new Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	origin := cfg.Origin
	if origin == "" {
		origin = OriginLive
	}
	return &Runner{
		engine:   cfg.Engine,
		source:   cfg.Source,
		origin:   origin,
		interval: cfg.Interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Run ticks the engine until ctx is cancelled or Stop is called. It returns
// nil on clean shutdown. A tick in progress always completes. A Runner that
// has been stopped does not start again.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.doneCh = make(chan struct{})
	done := r.doneCh
	r.mu.Unlock()

	defer func() {
		close(done)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.interval <= 0 {
		monitoring.Opsf("tick runner: interval is zero or negative, not starting")
		return nil
	}

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	monitoring.Opsf("tick runner started: interval=%v origin=%s", r.interval, r.origin)

	for {
		select {
		case <-ctx.Done():
			monitoring.Opsf("tick runner stopping due to context cancellation")
			return nil
		case <-r.stopCh:
			monitoring.Opsf("tick runner stopping due to Stop() call")
			return nil
		case <-ticker.C():
			r.tick()
		}
	}
}

// Stop requests the runner to stop and waits for the loop to exit. It is
// safe to call multiple times and before Run.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	done := r.doneCh
	running := r.running
	r.mu.Unlock()

	if running {
		<-done
	}
}

// IsRunning returns whether the tick loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// TickNow runs one tick immediately, outside the schedule.
func (r *Runner) TickNow() TickSummary {
	return r.tick()
}

func (r *Runner) tick() TickSummary {
	var detections []Detection
	if r.source != nil {
		detections = r.source.Detections()
	}
	if r.origin == OriginTest {
		return r.engine.IngestTest(detections)
	}
	return r.engine.IngestLive(detections)
}
