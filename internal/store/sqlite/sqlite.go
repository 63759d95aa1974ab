// Package sqlite provides the embedded single-writer recorder backend.
//
// Writers are serialized by SQLite itself: every transaction is opened
// with BEGIN IMMEDIATE, so at most one writer holds the database at a time
// and others wait up to the busy timeout. File databases run in WAL mode,
// which lets readers proceed while a writer is active.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/store"
	"github.com/jensholdgaard/eventrecorder/internal/store/sqlstore"
)

func init() {
	store.Register("sqlite", openSQLite)
}

func openSQLite(ctx context.Context, cfg config.RecorderConfig) (*store.Backend, error) {
	db, err := Connect(ctx, cfg.SQLite)
	if err != nil {
		return nil, err
	}
	r := NewRecorder(db, sqlstore.Tables{Events: cfg.EventsTable, Tracking: cfg.TrackingTable})
	return &store.Backend{
		Recorder:     r,
		Closer:       store.CloserFunc(db.Close),
		Ping:         db.PingContext,
		CreateTables: r.CreateTables,
	}, nil
}

// NewRecorder returns a recorder over an open SQLite database.
func NewRecorder(db *sqlx.DB, tables sqlstore.Tables) *sqlstore.Recorder {
	return sqlstore.New(db, Dialect{}, tables)
}

// IsMemory reports whether path names a private in-memory database.
func IsMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// DSN builds the driver connection string for cfg.
func DSN(cfg config.SQLiteConfig) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	params.Set("_busy_timeout", fmt.Sprint(timeout.Milliseconds()))
	if IsMemory(cfg.Path) {
		return "file::memory:?" + params.Encode()
	}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	path := (&url.URL{Path: cfg.Path}).EscapedPath()
	return "file:" + path + "?" + params.Encode()
}

// Connect opens and verifies a SQLite database with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.SQLiteConfig) (*sqlx.DB, error) {
	sqlDB, err := otelsql.Open("sqlite3", DSN(cfg),
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// Every connection to ":memory:" is a separate database, so keep
	// exactly one and never recycle it.
	if IsMemory(cfg.Path) {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	return sqlx.NewDb(sqlDB, "sqlite3"), nil
}

// Dialect is the SQLite flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Schema(t sqlstore.Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			notification_id INTEGER PRIMARY KEY AUTOINCREMENT,
			originator_id TEXT NOT NULL,
			originator_version INTEGER NOT NULL,
			topic TEXT NOT NULL,
			state BLOB
		)`, t.Events),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (originator_id, originator_version)`,
			t.IndexName(t.Events, "aggregate_idx"), t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (topic)`,
			t.IndexName(t.Events, "topic_idx"), t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			application_name TEXT NOT NULL,
			notification_id INTEGER NOT NULL,
			PRIMARY KEY (application_name, notification_id)
		)`, t.Tracking),
	}
}

// WriteLocks is empty: BEGIN IMMEDIATE already holds the write lock.
func (Dialect) WriteLocks(sqlstore.Tables) []string { return nil }

// IsUniqueViolation checks for a SQLite unique or primary key constraint failure.
func (Dialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsUndefinedTable checks for SQLite's "no such table" error.
func (Dialect) IsUndefinedTable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrError && strings.Contains(sqliteErr.Error(), "no such table")
}
