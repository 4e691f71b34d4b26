// Package snapshot persists the history table to SQLite: a queryable
// history.db with one row per run and one row per history record.
package snapshot

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jlnav/ensemblekit/internal/history"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection used for periodic and abort
// snapshots of one run's history table.
type Store struct {
	conn *sql.DB
}

// Open creates or opens a SQLite database at path, enabling WAL mode
// and running migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("snapshot: enabling WAL mode: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		exit_flag INTEGER,
		sim_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS history_rows (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		sim_id INTEGER NOT NULL,
		given BOOLEAN NOT NULL,
		given_time REAL,
		sim_worker INTEGER NOT NULL,
		gen_worker INTEGER NOT NULL,
		returned BOOLEAN NOT NULL,
		given_back BOOLEAN NOT NULL,
		fields_json TEXT NOT NULL,
		PRIMARY KEY (run_id, sim_id)
	);

	CREATE INDEX IF NOT EXISTS idx_history_rows_run ON history_rows(run_id);
	`
	_, err := s.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("snapshot: running migrations: %w", err)
	}
	return nil
}

// NewRunID generates a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Save writes a full snapshot of rows under runID, replacing any prior
// snapshot for that run. Called periodically (save_every_k); SaveFinal
// and SaveAbort write the last snapshot at clean completion or abort.
func (s *Store) Save(runID string, rows []history.Row) error {
	return s.save(runID, rows, nil, nil)
}

// SaveFinal writes the terminal snapshot along with the exit flag.
func (s *Store) SaveFinal(runID string, rows []history.Row, exitFlag int) error {
	return s.save(runID, rows, &exitFlag, nil)
}

// SaveAbort writes the snapshot taken when the manager caught an
// uncaught exception.
func (s *Store) SaveAbort(runID string, rows []history.Row, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.save(runID, rows, nil, &msg)
}

func (s *Store) save(runID string, rows []history.Row, exitFlag *int, errMsg *string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("snapshot: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	simCount := 0
	for _, r := range rows {
		if r.Returned {
			simCount++
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO runs (id, started_at, updated_at, exit_flag, sim_count, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at,
		exit_flag=COALESCE(excluded.exit_flag, runs.exit_flag),
		sim_count=excluded.sim_count,
		error=COALESCE(excluded.error, runs.error)`,
		runID, now, now, exitFlag, simCount, errMsg,
	); err != nil {
		return fmt.Errorf("snapshot: upserting run row: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM history_rows WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("snapshot: clearing prior rows: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO history_rows
		(run_id, sim_id, given, given_time, sim_worker, gen_worker, returned, given_back, fields_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("snapshot: preparing row insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		blob, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("snapshot: encoding row %d fields: %w", r.SimID, err)
		}
		if _, err := stmt.Exec(runID, r.SimID, r.Given, r.GivenTime, r.SimWorker, r.GenWorker, r.Returned, r.GivenBack, string(blob)); err != nil {
			return fmt.Errorf("snapshot: inserting row %d: %w", r.SimID, err)
		}
	}

	return tx.Commit()
}

// RunSummary is one row of the runs table, used by `ensemblectl status`.
type RunSummary struct {
	ID string
	StartedAt time.Time
	UpdatedAt time.Time
	ExitFlag *int
	SimCount int
	Error string
}

// ListRuns returns every run recorded in the store, most recently
// updated first.
func (s *Store) ListRuns() ([]RunSummary, error) {
	rows, err := s.conn.Query(
		`SELECT id, started_at, updated_at, exit_flag, sim_count, error
		FROM runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var errMsg sql.NullString
		var exitFlag sql.NullInt64
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.UpdatedAt, &exitFlag, &r.SimCount, &errMsg); err != nil {
			return nil, fmt.Errorf("snapshot: scanning run: %w", err)
		}
		if exitFlag.Valid {
			v := int(exitFlag.Int64)
			r.ExitFlag = &v
		}
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Load reads back every history row stored for runID, in sim_id order
// — used by `ensemblectl replay`.
func (s *Store) Load(runID string) ([]history.Row, error) {
	rows, err := s.conn.Query(
		`SELECT sim_id, given, given_time, sim_worker, gen_worker, returned, given_back, fields_json
		FROM history_rows WHERE run_id = ? ORDER BY sim_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: querying run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []history.Row
	for rows.Next() {
		var r history.Row
		var fieldsJSON string
		var givenTime sql.NullFloat64
		if err := rows.Scan(&r.SimID, &r.Given, &givenTime, &r.SimWorker, &r.GenWorker, &r.Returned, &r.GivenBack, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("snapshot: scanning row: %w", err)
		}
		// SQLite stores the NaN given_time of a never-dispatched row as NULL.
		r.GivenTime = math.NaN()
		if givenTime.Valid {
			r.GivenTime = givenTime.Float64
		}
		r.Fields = make(map[string]any)
		if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
			return nil, fmt.Errorf("snapshot: decoding row %d fields: %w", r.SimID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
