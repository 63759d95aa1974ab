// Package postgres provides the networked multi-writer recorder backend.
//
// Uniqueness of stream versions and tracking positions is enforced by the
// server's constraints. Writers that insert events take an EXCLUSIVE lock
// on the events table inside their transaction, so notification ids
// become visible to readers in the order they were assigned; readers are
// never blocked by it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/store"
	"github.com/jensholdgaard/eventrecorder/internal/store/sqlstore"
)

// SQLSTATE codes mapped onto the recorder taxonomy.
const (
	codeUniqueViolation = "23505"
	codeUndefinedTable  = "42P01"
)

func init() {
	store.Register("postgres", openPostgres)
}

func openPostgres(ctx context.Context, cfg config.RecorderConfig) (*store.Backend, error) {
	db, err := Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	r := NewRecorder(db, sqlstore.Tables{Events: cfg.EventsTable, Tracking: cfg.TrackingTable}, cfg.Postgres.LockTimeout)
	return &store.Backend{
		Recorder:     r,
		Closer:       store.CloserFunc(db.Close),
		Ping:         db.PingContext,
		CreateTables: r.CreateTables,
	}, nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()
	if cfg.IdleInTransactionTimeout > 0 {
		dsn += fmt.Sprintf(" options='-c idle_in_transaction_session_timeout=%d'", cfg.IdleInTransactionTimeout.Milliseconds())
	}

	sqlDB, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// The driver name selects sqlx's $n bind variables.
	return sqlx.NewDb(sqlDB, "postgres"), nil
}

// NewRecorder returns a recorder over an open Postgres database.
// A positive lockTimeout bounds the wait for the events table lock.
func NewRecorder(db *sqlx.DB, tables sqlstore.Tables, lockTimeout time.Duration) *sqlstore.Recorder {
	return sqlstore.New(db, Dialect{LockTimeout: lockTimeout}, tables)
}

// Dialect is the Postgres flavour of sqlstore.Dialect.
type Dialect struct {
	LockTimeout time.Duration
}

func (Dialect) Schema(t sqlstore.Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			originator_id uuid NOT NULL,
			originator_version bigint NOT NULL,
			topic text NOT NULL,
			state bytea,
			notification_id bigserial,
			PRIMARY KEY (originator_id, originator_version)
		)`, t.Events),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (notification_id)`,
			t.IndexName(t.Events, "notification_id_idx"), t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (topic, notification_id)`,
			t.IndexName(t.Events, "topic_idx"), t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			application_name text NOT NULL,
			notification_id bigint NOT NULL,
			PRIMARY KEY (application_name, notification_id)
		)`, t.Tracking),
	}
}

func (d Dialect) WriteLocks(t sqlstore.Tables) []string {
	var stmts []string
	if d.LockTimeout > 0 {
		stmts = append(stmts, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, d.LockTimeout.Milliseconds()))
	}
	return append(stmts, fmt.Sprintf(`LOCK TABLE %s IN EXCLUSIVE MODE`, t.Events))
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
func (Dialect) IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsUndefinedTable checks if an error reports a missing relation.
func (Dialect) IsUndefinedTable(err error) bool {
	return hasCode(err, codeUndefinedTable)
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == code
	}
	return false
}
