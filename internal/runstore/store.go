// ABOUTME: SQLite-backed persistence for the subagent registry's run map.
// ABOUTME: Adapted from the teacher's SQLiteStore: WAL mode, auto-created schema.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-scheduler/internal/subagent"
)

// Store implements subagent.PersistStore on top of SQLite. The entire map
// is round-tripped as one JSON blob per row, matching §6's "single file
// whose content is a serialization of the map" contract while reusing the
// teacher's SQLite-with-WAL persistence idiom for the on-disk half of it.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) a SQLite database at path and ensures the
// subagent_runs schema exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subagent_runs (
			run_id TEXT PRIMARY KEY,
			record_json TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveAll replaces the persisted run set with records, in a single
// transaction so a partial failure never leaves the on-disk state with a
// subset of the in-memory map.
func (s *Store) SaveAll(records map[string]*subagent.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM subagent_runs"); err != nil {
		return fmt.Errorf("clearing subagent_runs: %w", err)
	}

	for runID, rec := range records {
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record %s: %w", runID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO subagent_runs (run_id, record_json, updated_at) VALUES (?, ?, datetime('now'))`,
			runID, string(blob),
		); err != nil {
			return fmt.Errorf("inserting record %s: %w", runID, err)
		}
	}

	return tx.Commit()
}

// LoadAll reads every persisted record. Unknown JSON fields are tolerated
// (json.Unmarshal ignores fields absent from the current Record struct),
// satisfying §6's forward-compatibility requirement.
func (s *Store) LoadAll() (map[string]*subagent.Record, error) {
	rows, err := s.db.Query(`SELECT run_id, record_json FROM subagent_runs`)
	if err != nil {
		return nil, fmt.Errorf("querying subagent_runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*subagent.Record)
	for rows.Next() {
		var runID, blob string
		if err := rows.Scan(&runID, &blob); err != nil {
			return nil, fmt.Errorf("scanning subagent_runs row: %w", err)
		}
		var rec subagent.Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			s.logger.Warn("skipping unparseable subagent record", "run_id", runID, "err", err)
			continue
		}
		out[runID] = &rec
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
