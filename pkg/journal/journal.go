// Package journal keeps an append-only SQLite history of sync cycle outcomes.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	defaultDirName  = ".punchagent"
	defaultFileName = "journal.sqlite"
	tableName       = "cycle_results"
)

// Entry is one journaled cycle outcome.
type Entry struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Station    string    `json:"station"`
	Success    bool      `json:"success"`
	Extracted  int       `json:"records_extracted"`
	Discarded  int       `json:"records_discarded"`
	Delivered  int       `json:"records_delivered"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
}

// Journal is a SQLite backed cycle history.
type Journal struct {
	db   *sql.DB
	path string
}

// DefaultPath resolves the journal location under the user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "journal: locate user home failed")
	}
	return filepath.Join(home, defaultDirName, defaultFileName), nil
}

// Open opens (and creates when missing) the journal database at path.
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "journal: open sqlite db failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("journal opened")
	return &Journal{db: db, path: path}, nil
}

// Path returns the database file location.
func (j *Journal) Path() string { return j.path }

// Record appends one entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j == nil || j.db == nil {
		return pkgerrors.New("journal: not open")
	}
	_, err := j.db.ExecContext(ctx, `INSERT INTO `+tableName+` (
			cycle_id, started_at, finished_at, station, success,
			extracted, discarded, delivered, error_kind, error, status_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.FinishedAt.UTC().Format(time.RFC3339Nano),
		e.Station,
		boolToInt(e.Success),
		e.Extracted,
		e.Discarded,
		e.Delivered,
		e.ErrorKind,
		e.Error,
		e.StatusCode,
	)
	return pkgerrors.Wrap(err, "journal: insert cycle result failed")
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, pkgerrors.New("journal: not open")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `SELECT cycle_id, started_at, finished_at, station, success,
			extracted, discarded, delivered, error_kind, error, status_code
		FROM `+tableName+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "journal: query recent results failed")
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e                 Entry
			started, finished string
			success           int
		)
		if err := rows.Scan(&e.ID, &started, &finished, &e.Station, &success,
			&e.Extracted, &e.Discarded, &e.Delivered, &e.ErrorKind, &e.Error, &e.StatusCode); err != nil {
			return nil, pkgerrors.Wrap(err, "journal: scan result row failed")
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		e.Success = success != 0
		entries = append(entries, e)
	}
	return entries, pkgerrors.Wrap(rows.Err(), "journal: iterate result rows failed")
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func ensureDirExists(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "journal: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "journal: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			station TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 0,
			extracted INTEGER NOT NULL DEFAULT 0,
			discarded INTEGER NOT NULL DEFAULT 0,
			delivered INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_results_started ON ` + tableName + ` (started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "journal: prepare schema failed")
		}
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
