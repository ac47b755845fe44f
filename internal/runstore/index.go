// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runstore

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/weldr-dev/runr/internal/runtypes"
)

// Index is a queryable sqlite projection over one repo's run timelines,
// so cross-run queries don't require scanning
// every timeline.jsonl on disk. It is a cache: on any doubt, rebuild by
// replaying the JSONL logs, never trust it as the source of truth
// (spec §4.1, SPEC_FULL.md §4.1).
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if absent) the sqlite index database at
// <repoRoot>/.agent/runs/index.db.
func OpenIndex(repoRoot string) (*Index, error) {
	path := filepath.Join(repoRoot, ".agent", "runs", "index.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			ts TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: create events table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			repo_path TEXT NOT NULL,
			phase TEXT NOT NULL,
			stop_reason TEXT,
			updated_at TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: create runs table: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying sqlite connection.
func (i *Index) Close() error { return i.db.Close() }

// Reindex replaces every indexed row for runID by replaying its
// timeline and current state.json fresh from the Store, so the index
// can never diverge from the log it is a projection of.
func (i *Index) Reindex(runID runtypes.RunID, store *Store) error {
	events, err := store.ReadTimeline()
	if err != nil {
		return err
	}
	state, err := store.ReadState()
	if err != nil {
		return err
	}

	tx, err := i.db.Begin()
	if err != nil {
		return fmt.Errorf("runstore: begin reindex tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE run_id = ?`, string(runID)); err != nil {
		return fmt.Errorf("runstore: clear events for reindex: %w", err)
	}
	for _, ev := range events {
		if _, err := tx.Exec(
			`INSERT INTO events (run_id, seq, type, source, ts) VALUES (?, ?, ?, ?, ?)`,
			string(runID), ev.Seq, string(ev.Type), string(ev.Source), ev.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00"),
		); err != nil {
			return fmt.Errorf("runstore: insert event seq %d: %w", ev.Seq, err)
		}
	}

	if state != nil {
		var stopReason sql.NullString
		if state.StopReason != nil {
			stopReason = sql.NullString{String: string(*state.StopReason), Valid: true}
		}
		if _, err := tx.Exec(`
			INSERT INTO runs (run_id, repo_path, phase, stop_reason, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				repo_path = excluded.repo_path,
				phase = excluded.phase,
				stop_reason = excluded.stop_reason,
				updated_at = excluded.updated_at`,
			string(runID), state.RepoPath, string(state.Phase), stopReason, state.UpdatedAt.Format("2006-01-02T15:04:05.000000000Z07:00"),
		); err != nil {
			return fmt.Errorf("runstore: upsert run row: %w", err)
		}
	}

	return tx.Commit()
}

// RunSummary is one row of the `runs list` projection.
type RunSummary struct {
	RunID      string
	RepoPath   string
	Phase      string
	StopReason string
	UpdatedAt  string
}

// ListRuns returns every indexed run, most recently updated first.
func (i *Index) ListRuns() ([]RunSummary, error) {
	rows, err := i.db.Query(`SELECT run_id, repo_path, phase, COALESCE(stop_reason, ''), updated_at FROM runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.RepoPath, &r.Phase, &r.StopReason, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("runstore: scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountEventsByType returns how many events of each type are indexed
// for runID, so per-type counts (tier retries, for example) can be
// read without re-scanning the JSONL file.
func (i *Index) CountEventsByType(runID runtypes.RunID) (map[string]int, error) {
	rows, err := i.db.Query(`SELECT type, COUNT(*) FROM events WHERE run_id = ? GROUP BY type`, string(runID))
	if err != nil {
		return nil, fmt.Errorf("runstore: count events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("runstore: scan event count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}
