// Package trackstore persists tick summaries, agent histories and best-agent
// changes to SQLite.
package trackstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/tracking"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("trackstore: not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store wraps the tracking database.
type Store struct {
	db   *sql.DB
	path string
}

var _ tracking.Recorder = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	s, err := OpenWithoutMigrate(path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenWithoutMigrate opens the database at path leaving the schema as it
// is. Migration tooling uses it to inspect or step the version.
func OpenWithoutMigrate(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying handle for admin tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordTick persists s. Failures are logged; the engine never blocks on
// storage errors.
func (s *Store) RecordTick(summary tracking.TickSummary) {
	if err := s.SaveTick(context.Background(), summary); err != nil {
		monitoring.Opsf("trackstore: save tick %d: %v", summary.Seq, err)
	}
}

// SaveTick writes one tick summary in a single transaction.
func (s *Store) SaveTick(ctx context.Context, summary tracking.TickSummary) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	ts := summary.Time.UnixNano()
	skipped := 0
	for _, n := range summary.Skipped {
		skipped += n
	}
	var bestKey sql.NullString
	if summary.Best != nil {
		bestKey = sql.NullString{String: summary.Best.Key, Valid: true}
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO ticks (seq, ts_unix_nanos, origin, detections, skipped, clusters, agents, merges, best_agent_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.Seq, ts, string(summary.Origin), summary.Detections, skipped,
		summary.ClusterCount, len(summary.Agents), len(summary.Merges), bestKey,
	); err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}

	for _, a := range summary.Agents {
		best := 0
		if a.IsBest {
			best = 1
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO agents (agent_key, agent_id, first_unix_nanos, last_unix_nanos, peak_quality, observation_count, best_ticks)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (agent_key) DO UPDATE SET
				last_unix_nanos   = excluded.last_unix_nanos,
				peak_quality      = MAX(agents.peak_quality, excluded.peak_quality),
				observation_count = agents.observation_count + 1,
				best_ticks        = agents.best_ticks + excluded.best_ticks`,
			a.Key, a.ID, a.CreatedAt.UnixNano(), ts, a.SupportQuality, best,
		); err != nil {
			return fmt.Errorf("upsert agent %s: %w", a.Key, err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO agent_observations (agent_key, ts_unix_nanos, x, y, support_quality, cluster_count, is_best)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Key, ts, a.X, a.Y, a.SupportQuality, len(a.ClusterKeys), best,
		); err != nil {
			return fmt.Errorf("insert observation %s: %w", a.Key, err)
		}
	}

	if summary.BestChanged {
		var cur sql.NullString
		if summary.Best != nil {
			cur = sql.NullString{String: summary.Best.Key, Valid: true}
		}
		prev := sql.NullString{String: summary.PreviousBestKey, Valid: summary.PreviousBestKey != ""}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO best_agent_changes (ts_unix_nanos, previous_key, current_key) VALUES (?, ?, ?)`,
			ts, prev, cur,
		); err != nil {
			return fmt.Errorf("insert best change: %w", err)
		}
	}

	for _, r := range summary.Removed {
		if _, err = tx.ExecContext(ctx,
			`UPDATE agents SET removed_reason = ?, last_unix_nanos = MAX(last_unix_nanos, ?) WHERE agent_key = ?`,
			r.Reason, ts, r.Key,
		); err != nil {
			return fmt.Errorf("mark agent %s removed: %w", r.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AgentRecord is the persisted lifetime summary of one agent.
type AgentRecord struct {
	Key              string    `json:"key"`
	ID               uint64    `json:"id"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	PeakQuality      float64   `json:"peak_quality"`
	ObservationCount int64     `json:"observation_count"`
	BestTicks        int64     `json:"best_ticks"`
	RemovedReason    string    `json:"removed_reason,omitempty"`
}

const agentColumns = `agent_key, agent_id, first_unix_nanos, last_unix_nanos, peak_quality, observation_count, best_ticks, removed_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (AgentRecord, error) {
	var (
		rec         AgentRecord
		first, last int64
		reason      sql.NullString
	)
	if err := row.Scan(&rec.Key, &rec.ID, &first, &last, &rec.PeakQuality, &rec.ObservationCount, &rec.BestTicks, &reason); err != nil {
		return AgentRecord{}, err
	}
	rec.FirstSeen = time.Unix(0, first).UTC()
	rec.LastSeen = time.Unix(0, last).UTC()
	rec.RemovedReason = reason.String
	return rec, nil
}

// ListAgents returns the most recently seen agents first. limit <= 0 means
// no limit.
func (s *Store) ListAgents(ctx context.Context, limit int) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY last_unix_nanos DESC, agent_id DESC LIMIT ?`,
		sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetAgent returns the record for key, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, key string) (AgentRecord, error) {
	rec, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, fmt.Errorf("agent %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return AgentRecord{}, fmt.Errorf("get agent %s: %w", key, err)
	}
	return rec, nil
}

// Observation is one per-tick sample of an agent.
type Observation struct {
	AgentKey       string    `json:"agent_key" csv:"agent_key"`
	Time           time.Time `json:"time" csv:"time"`
	X              float64   `json:"x" csv:"x"`
	Y              float64   `json:"y" csv:"y"`
	SupportQuality float64   `json:"support_quality" csv:"support_quality"`
	ClusterCount   int       `json:"cluster_count" csv:"cluster_count"`
	IsBest         bool      `json:"is_best" csv:"is_best"`
}

func scanObservations(rows *sql.Rows) ([]Observation, error) {
	defer rows.Close()
	var out []Observation
	for rows.Next() {
		var (
			o  Observation
			ts int64
		)
		if err := rows.Scan(&o.AgentKey, &ts, &o.X, &o.Y, &o.SupportQuality, &o.ClusterCount, &o.IsBest); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Time = time.Unix(0, ts).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// Observations returns an agent's samples oldest first, keeping the newest
// limit when limit > 0.
func (s *Store) Observations(ctx context.Context, agentKey string, limit int) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT agent_key, ts_unix_nanos, x, y, support_quality, cluster_count, is_best
			FROM agent_observations WHERE agent_key = ?
			ORDER BY ts_unix_nanos DESC, observation_id DESC LIMIT ?
		) ORDER BY ts_unix_nanos ASC`,
		agentKey, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("observations for %s: %w", agentKey, err)
	}
	return scanObservations(rows)
}

// ObservationsBetween returns every sample in [start, end) ordered by time.
// A zero end means open-ended.
func (s *Store) ObservationsBetween(ctx context.Context, start, end time.Time) ([]Observation, error) {
	hi := int64(1<<63 - 1)
	if !end.IsZero() {
		hi = end.UnixNano()
	}
	var lo int64
	if !start.IsZero() {
		lo = start.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_key, ts_unix_nanos, x, y, support_quality, cluster_count, is_best
		FROM agent_observations
		WHERE ts_unix_nanos >= ? AND ts_unix_nanos < ?
		ORDER BY ts_unix_nanos ASC, observation_id ASC`,
		lo, hi)
	if err != nil {
		return nil, fmt.Errorf("observations between: %w", err)
	}
	return scanObservations(rows)
}

// BestChange records a switch of the highlighted agent.
type BestChange struct {
	Time        time.Time `json:"time"`
	PreviousKey string    `json:"previous_key,omitempty"`
	CurrentKey  string    `json:"current_key,omitempty"`
}

// BestChanges returns the newest changes first.
func (s *Store) BestChanges(ctx context.Context, limit int) ([]BestChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_unix_nanos, previous_key, current_key FROM best_agent_changes
		ORDER BY ts_unix_nanos DESC, change_id DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("best changes: %w", err)
	}
	defer rows.Close()

	var out []BestChange
	for rows.Next() {
		var (
			c         BestChange
			ts        int64
			prev, cur sql.NullString
		)
		if err := rows.Scan(&ts, &prev, &cur); err != nil {
			return nil, fmt.Errorf("scan best change: %w", err)
		}
		c.Time = time.Unix(0, ts).UTC()
		c.PreviousKey = prev.String
		c.CurrentKey = cur.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// TickCount returns the number of persisted ticks.
func (s *Store) TickCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ticks: %w", err)
	}
	return n, nil
}

// Prune deletes ticks, observations and best changes older than before.
// Agents whose last sighting predates before are removed with their
// observations.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()
	var total int64
	for _, q := range []string{
		`DELETE FROM ticks WHERE ts_unix_nanos < ?`,
		`DELETE FROM agent_observations WHERE ts_unix_nanos < ?`,
		`DELETE FROM best_agent_changes WHERE ts_unix_nanos < ?`,
		`DELETE FROM agents WHERE last_unix_nanos < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
