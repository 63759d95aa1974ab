package recorder_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
	"github.com/jensholdgaard/eventrecorder/internal/store/memory"
)

func newInstrumented(t *testing.T, next recorder.ProcessRecorder) (recorder.ProcessRecorder, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	r, err := recorder.Instrument(next, slog.Default(), tp, mp)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	return r, spans, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestInstrument_Insert(t *testing.T) {
	ctx := context.Background()
	r, spans, reader := newInstrumented(t, memory.New())

	id := uuid.New()
	events := []recorder.StoredEvent{
		{OriginatorID: id, OriginatorVersion: 0, Topic: "opened"},
		{OriginatorID: id, OriginatorVersion: 1, Topic: "renamed"},
	}
	if err := r.InsertEvents(ctx, events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	err := r.InsertEvents(ctx, events[:1])
	if !errors.Is(err, recorder.ErrRecordConflict) {
		t.Fatalf("second InsertEvents() = %v, want conflict", err)
	}

	if got := counter(t, reader, "recorder.events.inserted"); got != 2 {
		t.Errorf("recorder.events.inserted = %d, want 2", got)
	}
	if got := counter(t, reader, "recorder.conflicts"); got != 1 {
		t.Errorf("recorder.conflicts = %d, want 1", got)
	}

	ended := spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("got %d spans, want 2", len(ended))
	}
	for _, s := range ended {
		if s.Name() != "Recorder.InsertEvents" {
			t.Errorf("span name = %q", s.Name())
		}
	}
}

func TestInstrument_PassesThrough(t *testing.T) {
	ctx := context.Background()
	r, spans, _ := newInstrumented(t, memory.New())

	id := uuid.New()
	tracking := &recorder.Tracking{ApplicationName: "orders", NotificationID: 7}
	if err := r.InsertEventsWithTracking(ctx, []recorder.StoredEvent{{OriginatorID: id, Topic: "t"}}, tracking); err != nil {
		t.Fatalf("InsertEventsWithTracking: %v", err)
	}

	events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
	if err != nil || len(events) != 1 {
		t.Fatalf("SelectEvents() = %v, %v", events, err)
	}
	notifications, err := r.SelectNotifications(ctx, 1, 10, recorder.NotificationFilter{})
	if err != nil || len(notifications) != 1 {
		t.Fatalf("SelectNotifications() = %v, %v", notifications, err)
	}
	if maxID, err := r.MaxNotificationID(ctx); err != nil || maxID != 1 {
		t.Fatalf("MaxNotificationID() = %d, %v", maxID, err)
	}
	if pos, err := r.MaxTrackingID(ctx, "orders"); err != nil || pos != 7 {
		t.Fatalf("MaxTrackingID() = %d, %v", pos, err)
	}

	if got := len(spans.Ended()); got != 5 {
		t.Errorf("got %d spans, want 5", got)
	}
}

func TestInstrument_InvalidRecord(t *testing.T) {
	r, spans, reader := newInstrumented(t, memory.New())

	err := r.InsertEvents(context.Background(), []recorder.StoredEvent{{Topic: "no originator"}})
	if !errors.Is(err, recorder.ErrInvalidRecord) {
		t.Fatalf("InsertEvents() = %v, want ErrInvalidRecord", err)
	}
	if got := counter(t, reader, "recorder.conflicts"); got != 0 {
		t.Errorf("recorder.conflicts = %d, want 0", got)
	}
	ended := spans.Ended()
	if len(ended) != 1 || len(ended[0].Events()) == 0 {
		t.Error("error was not recorded on the span")
	}
}
