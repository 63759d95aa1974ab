package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
	"github.com/jensholdgaard/eventrecorder/internal/recorder/recordertest"
	"github.com/jensholdgaard/eventrecorder/internal/store/postgres"
	"github.com/jensholdgaard/eventrecorder/internal/store/sqlstore"
)

var testTables = sqlstore.Tables{Events: "stored_events", Tracking: "tracking"}

func TestRecorder(t *testing.T) {
	db := newTestDB(t)

	recordertest.Run(t, func(t *testing.T) recorder.ProcessRecorder {
		resetTables(t, db)
		r := postgres.NewRecorder(db, testTables, 5*time.Second)
		if err := r.CreateTables(context.Background()); err != nil {
			t.Fatalf("creating tables: %v", err)
		}
		return r
	})
}

func BenchmarkRecorder(b *testing.B) {
	db := newTestDB(b)

	recordertest.Bench(b, func(b *testing.B) recorder.ProcessRecorder {
		resetTables(b, db)
		r := postgres.NewRecorder(db, testTables, 5*time.Second)
		if err := r.CreateTables(context.Background()); err != nil {
			b.Fatalf("creating tables: %v", err)
		}
		return r
	})
}

func TestRecorder_SchemaNotReady(t *testing.T) {
	db := newTestDB(t)
	resetTables(t, db)
	r := postgres.NewRecorder(db, testTables, 0)
	ctx := context.Background()

	_, err := r.MaxTrackingID(ctx, "app")
	if !errors.Is(err, recorder.ErrSchemaNotReady) {
		t.Errorf("MaxTrackingID() error = %v, want ErrSchemaNotReady", err)
	}

	err = r.InsertEvents(ctx, []recorder.StoredEvent{{OriginatorID: uuid.New(), Topic: "t"}})
	if !errors.Is(err, recorder.ErrSchemaNotReady) {
		t.Errorf("InsertEvents() error = %v, want ErrSchemaNotReady", err)
	}
}

func TestDialect_Classification(t *testing.T) {
	d := postgres.Dialect{}
	tests := []struct {
		name          string
		err           error
		wantUnique    bool
		wantUndefined bool
	}{
		{name: "nil", err: nil},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, wantUnique: true},
		{name: "wrapped unique violation", err: fmt.Errorf("inserting: %w", &pq.Error{Code: "23505"}), wantUnique: true},
		{name: "undefined table", err: &pq.Error{Code: "42P01"}, wantUndefined: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}},
		{name: "plain error", err: errors.New("duplicate key value violates unique constraint")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.IsUniqueViolation(tt.err); got != tt.wantUnique {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.wantUnique)
			}
			if got := d.IsUndefinedTable(tt.err); got != tt.wantUndefined {
				t.Errorf("IsUndefinedTable() = %v, want %v", got, tt.wantUndefined)
			}
		})
	}
}

func TestDialect_WriteLocks(t *testing.T) {
	got := postgres.Dialect{LockTimeout: 1500 * time.Millisecond}.WriteLocks(testTables)
	want := []string{
		`SET LOCAL lock_timeout = '1500ms'`,
		`LOCK TABLE stored_events IN EXCLUSIVE MODE`,
	}
	if len(got) != len(want) {
		t.Fatalf("WriteLocks() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("WriteLocks()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
