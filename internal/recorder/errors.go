package recorder

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordConflict reports a uniqueness violation on a stream version or
	// a tracking position. The caller decides whether to reload and retry or
	// to skip.
	ErrRecordConflict = errors.New("record conflict")

	// ErrSchemaNotReady reports that the backing tables do not exist yet.
	ErrSchemaNotReady = errors.New("schema not ready")

	// ErrInvalidRecord reports a record rejected before any write was tried.
	ErrInvalidRecord = errors.New("invalid record")
)

// ConflictKind names the uniqueness rule a conflicting write broke.
type ConflictKind int

const (
	// StreamConflict is a taken (originator_id, originator_version).
	StreamConflict ConflictKind = iota
	// TrackingConflict is an already recorded (application_name, notification_id).
	TrackingConflict
)

func (k ConflictKind) String() string {
	if k == TrackingConflict {
		return "tracking"
	}
	return "stream"
}

// ConflictError carries the backend error behind a record conflict.
// It matches ErrRecordConflict under errors.Is.
type ConflictError struct {
	Op   string
	Kind ConflictKind
	Err  error
}

// NewConflictError returns a stream ConflictError for op caused by err.
func NewConflictError(op string, err error) *ConflictError {
	return &ConflictError{Op: op, Kind: StreamConflict, Err: err}
}

// NewTrackingConflictError returns a tracking ConflictError for op caused by err.
func NewTrackingConflictError(op string, err error) *ConflictError {
	return &ConflictError{Op: op, Kind: TrackingConflict, Err: err}
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, ErrRecordConflict)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrRecordConflict, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRecordConflict) hold.
func (e *ConflictError) Is(target error) bool { return target == ErrRecordConflict }

// IsConflict reports whether err is a record conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrRecordConflict) }

// IsTrackingConflict reports whether err is a conflict on a tracking
// position, meaning the upstream notification was already processed.
func IsTrackingConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Kind == TrackingConflict
}
