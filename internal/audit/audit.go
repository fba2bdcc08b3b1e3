// Package audit is a diagnostic log of every status transition this
// monitor observes on executions it is claiming or watching. It is
// never read by coordination logic — coord.Coordinator's view of the
// shared map is always authoritative — but it gives an operator a
// local, queryable history of what this peer saw and when, useful for
// post-mortems on executions that got stuck.
package audit

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mrmd/monitor/internal/coord"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Log is a sqlite-backed append log of execution status transitions.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and
// applies any unapplied migrations.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) DB() *sql.DB {
	return l.db
}

// RecordTransition appends one observed status transition.
func (l *Log) RecordTransition(execId string, status coord.Status, detail string, at time.Time) error {
	_, err := l.db.Exec(
		"INSERT INTO execution_events (exec_id, status, detail, at) VALUES (?, ?, ?, ?)",
		execId, string(status), detail, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Event is one recorded transition, as returned by History.
type Event struct {
	ExecId string
	Status coord.Status
	Detail string
	At     time.Time
}

// History returns every recorded transition for execId, oldest first.
func (l *Log) History(execId string) ([]Event, error) {
	rows, err := l.db.Query(
		"SELECT exec_id, status, detail, at FROM execution_events WHERE exec_id = ? ORDER BY id ASC",
		execId,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var status string
		var detail sql.NullString
		if err := rows.Scan(&e.ExecId, &status, &detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Status = coord.Status(status)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (l *Log) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := l.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
