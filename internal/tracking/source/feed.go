package source

import (
	"sync"
	"time"

	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/timeutil"
	"github.com/banshee-data/blob.track/internal/tracking"
)

// Record is one cluster as reported by the upstream clusterer.
type Record struct {
	Key    string    `json:"key"`
	X      float32   `json:"x"`
	Y      float32   `json:"y"`
	Hidden bool      `json:"hidden,omitempty"`
	BornAt time.Time `json:"born_at"`
}

// FeedStats counts batches moving through a Feed.
type FeedStats struct {
	Published   uint64 `json:"published"`
	Drained     uint64 `json:"drained"`
	Overwritten uint64 `json:"overwritten"`
	Records     uint64 `json:"records"`
}

// Feed is the live detection source. The upstream clusterer publishes its
// current cluster list whenever it has one; each tick drains the latest
// list. A list that is replaced before being drained is dropped, since only
// the most recent view of the scene matters.
type Feed struct {
	clock timeutil.Clock

	mu      sync.Mutex
	pending []Record
	fresh   bool
	stats   FeedStats
}

// NewFeed creates a feed. A nil clock uses the real clock.
func NewFeed(clock timeutil.Clock) *Feed {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Feed{clock: clock}
}

// Publish replaces the pending batch with a copy of records.
func (f *Feed) Publish(records []Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fresh {
		f.stats.Overwritten++
		monitoring.Tracef("feed: undrained batch of %d records replaced", len(f.pending))
	}
	f.pending = append(f.pending[:0], records...)
	f.fresh = true
	f.stats.Published++
	f.stats.Records += uint64(len(records))
}

// Detections drains the pending batch. It returns nil when nothing has been
// published since the last drain.
func (f *Feed) Detections() []tracking.Detection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fresh {
		return nil
	}
	now := f.clock.Now()
	out := make([]tracking.Detection, len(f.pending))
	for i, r := range f.pending {
		var age time.Duration
		if !r.BornAt.IsZero() {
			age = now.Sub(r.BornAt)
		}
		out[i] = Point{ID: r.Key, X: r.X, Y: r.Y, Hidden: r.Hidden, Age: age}
	}
	f.pending = f.pending[:0]
	f.fresh = false
	f.stats.Drained++
	return out
}

// Stats returns a copy of the feed counters.
func (f *Feed) Stats() FeedStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
