package recorder

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jensholdgaard/eventrecorder/internal/recorder"

// instrumented wraps a ProcessRecorder with spans, metrics and logs.
type instrumented struct {
	next   ProcessRecorder
	logger *slog.Logger
	tracer trace.Tracer

	inserted  metric.Int64Counter
	conflicts metric.Int64Counter
}

// Instrument returns r decorated with OpenTelemetry spans, counters and
// structured logs. Errors are passed through unchanged.
func Instrument(r ProcessRecorder, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider) (ProcessRecorder, error) {
	meter := mp.Meter(instrumentationName)
	inserted, err := meter.Int64Counter("recorder.events.inserted",
		metric.WithDescription("Stored events committed by the recorder."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("recorder.conflicts",
		metric.WithDescription("Writes rejected with a record conflict."),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}
	return &instrumented{
		next:      r,
		logger:    logger,
		tracer:    tp.Tracer(instrumentationName),
		inserted:  inserted,
		conflicts: conflicts,
	}, nil
}

func (r *instrumented) InsertEvents(ctx context.Context, events []StoredEvent) error {
	return r.InsertEventsWithTracking(ctx, events, nil)
}

func (r *instrumented) InsertEventsWithTracking(ctx context.Context, events []StoredEvent, tracking *Tracking) error {
	attrs := []attribute.KeyValue{attribute.Int("events", len(events))}
	if tracking != nil {
		attrs = append(attrs,
			attribute.String("tracking.application", tracking.ApplicationName),
			attribute.Int64("tracking.notification_id", tracking.NotificationID),
		)
	}
	ctx, span := r.tracer.Start(ctx, "Recorder.InsertEvents", trace.WithAttributes(attrs...))
	defer span.End()

	var err error
	if tracking == nil {
		err = r.next.InsertEvents(ctx, events)
	} else {
		err = r.next.InsertEventsWithTracking(ctx, events, tracking)
	}

	switch {
	case err == nil:
		r.inserted.Add(ctx, int64(len(events)))
		r.logger.DebugContext(ctx, "events recorded", slog.Int("count", len(events)))
	case IsConflict(err):
		r.conflicts.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("conflict", true))
		var ce *ConflictError
		if errors.As(err, &ce) {
			span.SetAttributes(attribute.String("conflict.kind", ce.Kind.String()))
		}
		r.logger.WarnContext(ctx, "record conflict", slog.Int("count", len(events)), slog.Any("error", err))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.ErrorContext(ctx, "recording events failed", slog.Any("error", err))
	}
	return err
}

func (r *instrumented) SelectEvents(ctx context.Context, originatorID uuid.UUID, q EventQuery) ([]StoredEvent, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.SelectEvents",
		trace.WithAttributes(attribute.String("originator_id", originatorID.String())),
	)
	defer span.End()

	events, err := r.next.SelectEvents(ctx, originatorID, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return events, err
}

func (r *instrumented) SelectNotifications(ctx context.Context, start int64, limit int, f NotificationFilter) ([]Notification, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.SelectNotifications",
		trace.WithAttributes(
			attribute.Int64("start", start),
			attribute.Int("limit", limit),
			attribute.StringSlice("topics", f.Topics),
		),
	)
	defer span.End()

	notifications, err := r.next.SelectNotifications(ctx, start, limit, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("returned", len(notifications)))
	return notifications, nil
}

func (r *instrumented) MaxNotificationID(ctx context.Context, topics ...string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.MaxNotificationID")
	defer span.End()

	id, err := r.next.MaxNotificationID(ctx, topics...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}

func (r *instrumented) MaxTrackingID(ctx context.Context, applicationName string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.MaxTrackingID",
		trace.WithAttributes(attribute.String("application", applicationName)),
	)
	defer span.End()

	id, err := r.next.MaxTrackingID(ctx, applicationName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}
