package store_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/store"

	// Import drivers so their init() functions register them.
	_ "github.com/jensholdgaard/eventrecorder/internal/store/memory"
	_ "github.com/jensholdgaard/eventrecorder/internal/store/sqlite"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{name: "memory", driver: "memory"},
		{name: "sqlite", driver: "sqlite"},
		{name: "unknown driver fails", driver: "nonexistent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultRecorder()
			cfg.Driver = tt.driver
			cfg.SQLite.Path = ":memory:"

			b, err := store.Open(context.Background(), cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), "memory") {
					t.Errorf("error %q does not list registered drivers", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer b.Closer.Close()

			if err := b.Ping(context.Background()); err != nil {
				t.Errorf("Ping() error = %v", err)
			}
			if _, err := b.Recorder.MaxNotificationID(context.Background()); err != nil {
				t.Errorf("MaxNotificationID() error = %v", err)
			}
		})
	}
}

func TestOpen_CreateTablesFailureCloses(t *testing.T) {
	closed := false
	boom := errors.New("permission denied")
	store.Register("broken-schema", func(context.Context, config.RecorderConfig) (*store.Backend, error) {
		return &store.Backend{
			Closer:       store.CloserFunc(func() error { closed = true; return nil }),
			CreateTables: func(context.Context) error { return boom },
		}, nil
	})

	cfg := config.DefaultRecorder()
	cfg.Driver = "broken-schema"
	_, err := store.Open(context.Background(), cfg)
	if !errors.Is(err, boom) {
		t.Fatalf("Open() error = %v, want %v", err, boom)
	}
	if !closed {
		t.Error("backend was not closed after schema failure")
	}
}

func TestOpen_DriverError(t *testing.T) {
	boom := errors.New("connection refused")
	store.Register("unreachable", func(context.Context, config.RecorderConfig) (*store.Backend, error) {
		return nil, boom
	})

	cfg := config.DefaultRecorder()
	cfg.Driver = "unreachable"
	if _, err := store.Open(context.Background(), cfg); !errors.Is(err, boom) {
		t.Fatalf("Open() error = %v, want %v", err, boom)
	}
}
