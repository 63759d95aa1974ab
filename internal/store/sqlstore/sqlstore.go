// Package sqlstore implements the recorder contracts over database/sql via
// sqlx. Backends supply a Dialect for DDL, write locking and error
// classification; everything else is shared.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
)

// Tables names the two tables a recorder owns.
type Tables struct {
	Events   string
	Tracking string
}

// IndexName derives an index name from a table name and suffix.
func (t Tables) IndexName(table, suffix string) string {
	return strings.ReplaceAll(table, ".", "_") + "_" + suffix
}

// Dialect isolates what differs between SQL backends.
type Dialect interface {
	// Schema returns the statements that create the tables, idempotently.
	Schema(t Tables) []string
	// WriteLocks returns statements run first in a write transaction that
	// inserts events.
	WriteLocks(t Tables) []string
	// IsUniqueViolation reports a duplicate key error.
	IsUniqueViolation(err error) bool
	// IsUndefinedTable reports a missing table error.
	IsUndefinedTable(err error) bool
}

// Recorder implements recorder.ProcessRecorder on a SQL database.
type Recorder struct {
	db      *sqlx.DB
	dialect Dialect
	tables  Tables

	insertEvent    string
	insertTracking string
	maxTracking    string
}

var _ recorder.ProcessRecorder = (*Recorder)(nil)

// New returns a Recorder using db, which must have been opened with the
// driver name matching the dialect's bind variables.
func New(db *sqlx.DB, dialect Dialect, tables Tables) *Recorder {
	return &Recorder{
		db:      db,
		dialect: dialect,
		tables:  tables,
		insertEvent: db.Rebind(fmt.Sprintf(
			`INSERT INTO %s (originator_id, originator_version, topic, state) VALUES (?, ?, ?, ?)`,
			tables.Events)),
		insertTracking: db.Rebind(fmt.Sprintf(
			`INSERT INTO %s (application_name, notification_id) VALUES (?, ?)`,
			tables.Tracking)),
		maxTracking: db.Rebind(fmt.Sprintf(
			`SELECT MAX(notification_id) FROM %s WHERE application_name = ?`,
			tables.Tracking)),
	}
}

// DB returns the underlying database handle.
func (r *Recorder) DB() *sqlx.DB { return r.db }

// CreateTables creates the events and tracking tables if they are missing.
func (r *Recorder) CreateTables(ctx context.Context) error {
	for _, stmt := range r.dialect.Schema(r.tables) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// classify maps err onto the recorder taxonomy. Errors that are neither
// conflicts nor missing tables are returned as they are.
func (r *Recorder) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case r.dialect.IsUniqueViolation(err):
		return recorder.NewConflictError(op, err)
	case r.dialect.IsUndefinedTable(err):
		return fmt.Errorf("%s: %w: %w", op, recorder.ErrSchemaNotReady, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// withTx runs fn in a transaction that is committed only if fn succeeds.
// The transaction is rolled back on every other path, panics included.
func (r *Recorder) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return r.classify(op+": beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return r.classify(op+": committing", err)
	}
	return nil
}

func (r *Recorder) InsertEvents(ctx context.Context, events []recorder.StoredEvent) error {
	return r.InsertEventsWithTracking(ctx, events, nil)
}

func (r *Recorder) InsertEventsWithTracking(ctx context.Context, events []recorder.StoredEvent, tracking *recorder.Tracking) error {
	if err := recorder.ValidateWrite(events, tracking); err != nil {
		return err
	}
	if len(events) == 0 && tracking == nil {
		return nil
	}

	return r.withTx(ctx, "inserting events", func(tx *sqlx.Tx) error {
		if tracking != nil {
			if _, err := tx.ExecContext(ctx, r.insertTracking, tracking.ApplicationName, tracking.NotificationID); err != nil {
				err = r.classify(fmt.Sprintf("inserting tracking (application=%s, id=%d)",
					tracking.ApplicationName, tracking.NotificationID), err)
				var ce *recorder.ConflictError
				if errors.As(err, &ce) {
					ce.Kind = recorder.TrackingConflict
				}
				return err
			}
		}
		if len(events) == 0 {
			return nil
		}

		for _, lock := range r.dialect.WriteLocks(r.tables) {
			if _, err := tx.ExecContext(ctx, lock); err != nil {
				return r.classify("locking events table", err)
			}
		}

		stmt, err := tx.PreparexContext(ctx, r.insertEvent)
		if err != nil {
			return r.classify("preparing statement", err)
		}
		defer stmt.Close()

		for _, e := range events {
			if _, err := stmt.ExecContext(ctx, e.OriginatorID, e.OriginatorVersion, e.Topic, e.State); err != nil {
				return r.classify(fmt.Sprintf("inserting event (originator=%s, version=%d)",
					e.OriginatorID, e.OriginatorVersion), err)
			}
		}
		return nil
	})
}

func (r *Recorder) SelectEvents(ctx context.Context, originatorID uuid.UUID, q recorder.EventQuery) ([]recorder.StoredEvent, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT originator_id, originator_version, topic, state FROM %s WHERE originator_id = ?`, r.tables.Events)
	args := []any{originatorID}
	if q.GT != nil {
		b.WriteString(` AND originator_version > ?`)
		args = append(args, *q.GT)
	}
	if q.LTE != nil {
		b.WriteString(` AND originator_version <= ?`)
		args = append(args, *q.LTE)
	}
	b.WriteString(` ORDER BY originator_version`)
	if q.Desc {
		b.WriteString(` DESC`)
	}
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	events := []recorder.StoredEvent{}
	if err := r.db.SelectContext(ctx, &events, r.db.Rebind(b.String()), args...); err != nil {
		return nil, r.classify("selecting events", err)
	}
	return events, nil
}

func (r *Recorder) SelectNotifications(ctx context.Context, start int64, limit int, f recorder.NotificationFilter) ([]recorder.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT notification_id, originator_id, originator_version, topic, state FROM %s WHERE notification_id >= ?`, r.tables.Events)
	args := []any{start}
	if f.Stop > 0 {
		b.WriteString(` AND notification_id <= ?`)
		args = append(args, f.Stop)
	}
	if len(f.Topics) > 0 {
		b.WriteString(` AND topic IN (?)`)
		args = append(args, f.Topics)
	}
	b.WriteString(` ORDER BY notification_id LIMIT ?`)
	args = append(args, limit)

	query, args, err := sqlx.In(b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("expanding topics: %w", err)
	}

	var notifications []recorder.Notification
	if err := r.db.SelectContext(ctx, &notifications, r.db.Rebind(query), args...); err != nil {
		return nil, r.classify("selecting notifications", err)
	}
	return notifications, nil
}

func (r *Recorder) MaxNotificationID(ctx context.Context, topics ...string) (int64, error) {
	query := fmt.Sprintf(`SELECT MAX(notification_id) FROM %s`, r.tables.Events)
	var args []any
	if len(topics) > 0 {
		var err error
		query, args, err = sqlx.In(query+` WHERE topic IN (?)`, topics)
		if err != nil {
			return 0, fmt.Errorf("expanding topics: %w", err)
		}
	}

	var id sql.NullInt64
	if err := r.db.GetContext(ctx, &id, r.db.Rebind(query), args...); err != nil {
		return 0, r.classify("selecting max notification id", err)
	}
	return id.Int64, nil
}

func (r *Recorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, error) {
	var id sql.NullInt64
	err := r.db.GetContext(ctx, &id, r.maxTracking, applicationName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, r.classify("selecting max tracking id", err)
	}
	return id.Int64, nil
}
