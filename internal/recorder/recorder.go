// Package recorder defines the persistence contracts of the event store:
// aggregate streams with optimistic concurrency, an application-wide
// notification log, and tracking records for exactly-once processing.
package recorder

import (
	"context"

	"github.com/google/uuid"
)

// AggregateRecorder appends and reads aggregate event streams.
type AggregateRecorder interface {
	// InsertEvents persists all events atomically. It fails with
	// ErrRecordConflict if any (originator id, version) is already taken.
	InsertEvents(ctx context.Context, events []StoredEvent) error
	// SelectEvents returns one stream ordered by version. An unknown
	// stream yields an empty slice.
	SelectEvents(ctx context.Context, originatorID uuid.UUID, q EventQuery) ([]StoredEvent, error)
}

// ApplicationRecorder adds a total-ordered notification log over all streams.
type ApplicationRecorder interface {
	AggregateRecorder
	// SelectNotifications returns committed notifications with id >= start in
	// ascending order, at most limit of them.
	SelectNotifications(ctx context.Context, start int64, limit int, f NotificationFilter) ([]Notification, error)
	// MaxNotificationID returns the highest committed notification id, or 0.
	MaxNotificationID(ctx context.Context, topics ...string) (int64, error)
}

// ProcessRecorder records events together with the upstream position they
// were derived from.
type ProcessRecorder interface {
	ApplicationRecorder
	// InsertEventsWithTracking commits events and the tracking record as one
	// unit. A nil tracking behaves like InsertEvents. A conflict on either
	// the events or the tracking position fails the whole unit with
	// ErrRecordConflict.
	InsertEventsWithTracking(ctx context.Context, events []StoredEvent, tracking *Tracking) error
	// MaxTrackingID returns the highest recorded position for the upstream
	// application, or 0.
	MaxTrackingID(ctx context.Context, applicationName string) (int64, error)
}
