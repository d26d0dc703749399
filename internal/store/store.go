// Package store persists method history and attempt records in SQLite.
//
// The strategy layer learns which methods work per application; without
// persistence that learning is lost on every restart and the daemon re-walks
// the same failing methods. Attempt records additionally feed the stats
// surface and offline tuning.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"injectd/internal/injector"
	"injectd/internal/strategy"
)

// Schema for the injectd history store.
const schema = `
CREATE TABLE IF NOT EXISTS method_history (
    app                  TEXT NOT NULL,
    method               TEXT NOT NULL,
    successes            INTEGER NOT NULL,
    failures             INTEGER NOT NULL,
    consecutive_failures INTEGER NOT NULL,
    cooldown_ns          INTEGER NOT NULL,
    cooldown_until_ns    INTEGER NOT NULL,
    last_attempt_ns      INTEGER NOT NULL,
    PRIMARY KEY (app, method)
);

CREATE TABLE IF NOT EXISTS attempts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id   TEXT NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    app          TEXT,
    success      INTEGER NOT NULL,
    method       TEXT,
    elapsed_ns   INTEGER NOT NULL,
    error        TEXT,
    diagnostics  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON attempts(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_attempts_app ON attempts(app, timestamp_ns);
`

// Store is the SQLite history store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the given path and applies the
// schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveHistory upserts every record in one transaction.
func (s *Store) SaveHistory(records []strategy.MethodRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO method_history (app, method, successes, failures, consecutive_failures, cooldown_ns, cooldown_until_ns, last_attempt_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app, method) DO UPDATE SET
			successes = excluded.successes,
			failures = excluded.failures,
			consecutive_failures = excluded.consecutive_failures,
			cooldown_ns = excluded.cooldown_ns,
			cooldown_until_ns = excluded.cooldown_until_ns,
			last_attempt_ns = excluded.last_attempt_ns`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(
			r.App, string(r.Method),
			r.Successes, r.Failures, r.ConsecutiveFailures,
			int64(r.Cooldown), nsOrZero(r.CooldownUntil), nsOrZero(r.LastAttempt),
		); err != nil {
			return fmt.Errorf("upsert history record: %w", err)
		}
	}
	return tx.Commit()
}

// LoadHistory reads every persisted record.
func (s *Store) LoadHistory() ([]strategy.MethodRecord, error) {
	rows, err := s.db.Query(`
		SELECT app, method, successes, failures, consecutive_failures, cooldown_ns, cooldown_until_ns, last_attempt_ns
		FROM method_history`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []strategy.MethodRecord
	for rows.Next() {
		var (
			r                            strategy.MethodRecord
			method                       string
			cooldown, until, lastAttempt int64
		)
		if err := rows.Scan(&r.App, &method, &r.Successes, &r.Failures, &r.ConsecutiveFailures, &cooldown, &until, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		r.Method = injector.Method(method)
		r.Cooldown = time.Duration(cooldown)
		r.CooldownUntil = timeFromNs(until)
		r.LastAttempt = timeFromNs(lastAttempt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordAttempt appends one attempt record. Diagnostics are stored as JSON;
// they never contain injected text, only method names and failure reasons.
func (s *Store) RecordAttempt(o strategy.Outcome, app string, at time.Time) error {
	diag, err := json.Marshal(o.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}

	errText := ""
	if o.Err != nil {
		errText = o.Err.Error()
	}
	_, err = s.db.Exec(`
		INSERT INTO attempts (attempt_id, timestamp_ns, app, success, method, elapsed_ns, error, diagnostics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.AttemptID, at.UnixNano(), app, boolInt(o.Success), string(o.Method), int64(o.Elapsed), errText, string(diag),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// MethodCount tallies attempts for one method.
type MethodCount struct {
	Total     int `json:"total"`
	Successes int `json:"successes"`
}

// AttemptStats summarizes the attempt log.
type AttemptStats struct {
	Total     int                    `json:"total"`
	Successes int                    `json:"successes"`
	ByMethod  map[string]MethodCount `json:"by_method"`
}

// Stats aggregates attempts since the given time. Failed requests have no
// winning method and count only toward the overall total.
func (s *Store) Stats(since time.Time) (AttemptStats, error) {
	stats := AttemptStats{ByMethod: make(map[string]MethodCount)}

	rows, err := s.db.Query(`
		SELECT success, method FROM attempts WHERE timestamp_ns >= ?`, since.UnixNano())
	if err != nil {
		return stats, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			success int
			method  string
		)
		if err := rows.Scan(&success, &method); err != nil {
			return stats, fmt.Errorf("scan attempt: %w", err)
		}
		stats.Total++
		if method != "" {
			mc := stats.ByMethod[method]
			mc.Total++
			if success != 0 {
				mc.Successes++
			}
			stats.ByMethod[method] = mc
		}
		if success != 0 {
			stats.Successes++
		}
	}
	return stats, rows.Err()
}

// PruneAttempts deletes attempt records older than the cutoff.
func (s *Store) PruneAttempts(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM attempts WHERE timestamp_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return res.RowsAffected()
}

func nsOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromNs(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
