package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tubewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DB is the SQLite-backed store. Safe for concurrent use.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the SQLite database at cfg.Path and runs
// migrations. Use ":memory:" for tests.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &DB{db: db, log: log}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn encodes the pragmas in the connection string. Pragmas are
// per-connection in SQLite; setting them here keeps foreign key enforcement
// on even if the pool replaces a connection after a driver error.
func dsn(path string, busyTimeout time.Duration) string {
	base := path
	if path == ":memory:" {
		base = "file::memory:"
	}
	params := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
	}
	if busyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()))
	}
	return base + "?" + strings.Join(params, "&")
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- column helpers ----

// Timestamps are stored as RFC3339Nano strings in UTC. A naive value read
// back without timezone info is treated as UTC.

func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s.String); err == nil {
		return t
	}
	// Fall back to a naive timestamp, interpreted as UTC.
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s.String, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func strOf(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
