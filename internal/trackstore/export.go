package trackstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"
)

type observationRow struct {
	Time           string  `csv:"time"`
	UnixNanos      int64   `csv:"unix_nanos"`
	AgentKey       string  `csv:"agent_key"`
	X              float64 `csv:"x"`
	Y              float64 `csv:"y"`
	SupportQuality float64 `csv:"support_quality"`
	ClusterCount   int     `csv:"cluster_count"`
	IsBest         bool    `csv:"is_best"`
}

// ExportObservationsCSV writes every agent sample in [start, end) to w with a
// header row. Zero bounds are open. It returns the number of rows written.
func (s *Store) ExportObservationsCSV(ctx context.Context, w io.Writer, start, end time.Time) (int, error) {
	obs, err := s.ObservationsBetween(ctx, start, end)
	if err != nil {
		return 0, err
	}
	rows := make([]observationRow, len(obs))
	for i, o := range obs {
		rows[i] = observationRow{
			Time:           o.Time.Format(time.RFC3339Nano),
			UnixNanos:      o.Time.UnixNano(),
			AgentKey:       o.AgentKey,
			X:              o.X,
			Y:              o.Y,
			SupportQuality: o.SupportQuality,
			ClusterCount:   o.ClusterCount,
			IsBest:         o.IsBest,
		}
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return 0, fmt.Errorf("write observations csv: %w", err)
	}
	return len(rows), nil
}
