package recorder

import (
	"fmt"

	"github.com/google/uuid"
)

// StoredEvent is a serialized domain event as handed to a recorder.
// The topic and state are opaque to the recorder.
type StoredEvent struct {
	OriginatorID      uuid.UUID `json:"originator_id" db:"originator_id"`
	OriginatorVersion int       `json:"originator_version" db:"originator_version"`
	Topic             string    `json:"topic" db:"topic"`
	State             []byte    `json:"state" db:"state"`
}

// Tracking marks an upstream notification as consumed.
type Tracking struct {
	ApplicationName string `json:"application_name" db:"application_name"`
	NotificationID  int64  `json:"notification_id" db:"notification_id"`
}

// Notification is a stored event annotated with its position in the
// recorder's notification log.
type Notification struct {
	ID int64 `json:"id" db:"notification_id"`
	StoredEvent
}

// EventQuery narrows SelectEvents to a version window.
// A nil bound is unbounded; Limit <= 0 means no limit.
type EventQuery struct {
	GT    *int
	LTE   *int
	Desc  bool
	Limit int
}

// NotificationFilter narrows SelectNotifications.
// Stop <= 0 means no upper bound; an empty Topics matches every topic.
type NotificationFilter struct {
	Stop   int64
	Topics []string
}

// Version returns a pointer to v, for use in EventQuery bounds.
func Version(v int) *int { return &v }

// Validate checks the invariants a recorder relies on before writing.
func (e StoredEvent) Validate() error {
	if e.OriginatorID == uuid.Nil {
		return fmt.Errorf("%w: nil originator id", ErrInvalidRecord)
	}
	if e.OriginatorVersion < 0 {
		return fmt.Errorf("%w: negative version %d for originator %s", ErrInvalidRecord, e.OriginatorVersion, e.OriginatorID)
	}
	return nil
}

// Validate checks the invariants a recorder relies on before writing.
func (t Tracking) Validate() error {
	if t.ApplicationName == "" {
		return fmt.Errorf("%w: empty application name", ErrInvalidRecord)
	}
	if t.NotificationID <= 0 {
		return fmt.Errorf("%w: non-positive notification id %d for %q", ErrInvalidRecord, t.NotificationID, t.ApplicationName)
	}
	return nil
}

// ValidateWrite validates a write unit. A nil tracking is allowed.
func ValidateWrite(events []StoredEvent, tracking *Tracking) error {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	if tracking != nil {
		if err := tracking.Validate(); err != nil {
			return fmt.Errorf("tracking: %w", err)
		}
	}
	return nil
}

// MatchesTopic reports whether topic is selected by topics.
// An empty topics slice selects everything.
func MatchesTopic(topic string, topics []string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}
