package recorder_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
)

func TestConflictError(t *testing.T) {
	cause := errors.New("duplicate key")
	err := fmt.Errorf("saving order: %w", recorder.NewConflictError("insert events", cause))

	if !errors.Is(err, recorder.ErrRecordConflict) {
		t.Error("errors.Is(err, ErrRecordConflict) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause is not reachable through Unwrap")
	}
	if !recorder.IsConflict(err) {
		t.Error("IsConflict() = false")
	}
	if errors.Is(err, recorder.ErrSchemaNotReady) {
		t.Error("conflict matched ErrSchemaNotReady")
	}

	var ce *recorder.ConflictError
	if !errors.As(err, &ce) || ce.Op != "insert events" {
		t.Errorf("errors.As() op = %v", ce)
	}
}

func TestConflictError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *recorder.ConflictError
		want string
	}{
		{"without cause", recorder.NewConflictError("insert tracking", nil), "insert tracking: record conflict"},
		{"with cause", recorder.NewConflictError("insert events", errors.New("pk")), "insert events: record conflict: pk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsConflict_OtherErrors(t *testing.T) {
	for _, err := range []error{nil, errors.New("connection refused"), recorder.ErrInvalidRecord} {
		if recorder.IsConflict(err) {
			t.Errorf("IsConflict(%v) = true", err)
		}
	}
}

func TestIsTrackingConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"tracking", fmt.Errorf("pull: %w", recorder.NewTrackingConflictError("insert tracking", nil)), true},
		{"stream", recorder.NewConflictError("insert events", nil), false},
		{"not a conflict", recorder.ErrSchemaNotReady, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recorder.IsTrackingConflict(tt.err); got != tt.want {
				t.Errorf("IsTrackingConflict() = %v, want %v", got, tt.want)
			}
			if tt.want && !recorder.IsConflict(tt.err) {
				t.Error("tracking conflict does not match ErrRecordConflict")
			}
		})
	}
}
