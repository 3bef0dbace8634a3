// Package history persists per-stage processing durations so later jobs can
// refine their time estimates.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"stem-separator/internal/domain"
)

// sampleWindow bounds how many recent runs feed each stage average.
const sampleWindow = 20

const schema = `
CREATE TABLE IF NOT EXISTS stage_durations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	model       TEXT    NOT NULL,
	stage       TEXT    NOT NULL,
	seconds     REAL    NOT NULL CHECK (seconds >= 0),
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_durations_model_stage
	ON stage_durations(model, stage, recorded_at);
`

// SQLiteStore keeps stage durations in a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the history database at path.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: exec schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record stores the duration of each stage from one completed run.
func (s *SQLiteStore) Record(ctx context.Context, model string, durations map[domain.Stage]float64) error {
	if len(durations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	ts := s.now().Unix()
	for stage, secs := range durations {
		if secs < 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_durations (model, stage, seconds, recorded_at) VALUES (?, ?, ?, ?)`,
			model, string(stage), secs, ts,
		); err != nil {
			return fmt.Errorf("history: insert %s: %w", stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// StageAverages returns the mean duration of each stage over the most recent
// runs for model. Stages without samples are absent from the map.
func (s *SQLiteStore) StageAverages(ctx context.Context, model string) (map[domain.Stage]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, AVG(seconds) FROM (
			SELECT stage, seconds,
			       ROW_NUMBER() OVER (PARTITION BY stage ORDER BY recorded_at DESC, id DESC) AS rn
			FROM stage_durations
			WHERE model = ?
		)
		WHERE rn <= ?
		GROUP BY stage`, model, sampleWindow)
	if err != nil {
		return nil, fmt.Errorf("history: query averages: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Stage]float64)
	for rows.Next() {
		var stage string
		var avg float64
		if err := rows.Scan(&stage, &avg); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out[domain.Stage(stage)] = avg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}
