// Package recordertest is a conformance suite that every recorder backend
// runs unmodified.
package recordertest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
)

// Factory returns a fresh, empty recorder for one test.
type Factory func(t *testing.T) recorder.ProcessRecorder

// Run runs the whole suite against recorders built by newRecorder.
func Run(t *testing.T, newRecorder Factory) {
	t.Run("AggregateRecorder", func(t *testing.T) { RunAggregate(t, newRecorder) })
	t.Run("ApplicationRecorder", func(t *testing.T) { RunApplication(t, newRecorder) })
	t.Run("ProcessRecorder", func(t *testing.T) { RunProcess(t, newRecorder) })
	t.Run("Concurrency", func(t *testing.T) { RunConcurrency(t, newRecorder) })
}

func event(id uuid.UUID, version int, topic string) recorder.StoredEvent {
	return recorder.StoredEvent{
		OriginatorID:      id,
		OriginatorVersion: version,
		Topic:             topic,
		State:             []byte(fmt.Sprintf("%s-%d", topic, version)),
	}
}

func versions(events []recorder.StoredEvent) []int {
	out := make([]int, len(events))
	for i, e := range events {
		out[i] = e.OriginatorVersion
	}
	return out
}

func ids(notifications []recorder.Notification) []int64 {
	out := make([]int64, len(notifications))
	for i, n := range notifications {
		out[i] = n.ID
	}
	return out
}

func requireAscending(t *testing.T, got []int64) {
	t.Helper()
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1], "notification ids must strictly increase: %v", got)
	}
}

// RunAggregate checks stream appends, reads and optimistic concurrency.
func RunAggregate(t *testing.T, newRecorder Factory) {
	ctx := context.Background()

	t.Run("unknown stream is empty", func(t *testing.T) {
		r := newRecorder(t)
		events, err := r.SelectEvents(ctx, uuid.New(), recorder.EventQuery{})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("insert and select", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{
			event(id, 0, "topic1"),
			event(id, 1, "topic2"),
		}))
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 2, "topic3")}))

		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, []int{0, 1, 2}, versions(events))
		assert.Equal(t, id, events[0].OriginatorID)
		assert.Equal(t, "topic1", events[0].Topic)
		assert.Equal(t, []byte("topic1-0"), events[0].State)
	})

	t.Run("query windows", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{
			event(id, 0, "t"), event(id, 1, "t"), event(id, 2, "t"), event(id, 3, "t"),
		}))

		tests := []struct {
			name string
			q    recorder.EventQuery
			want []int
		}{
			{name: "all", q: recorder.EventQuery{}, want: []int{0, 1, 2, 3}},
			{name: "gt", q: recorder.EventQuery{GT: recorder.Version(1)}, want: []int{2, 3}},
			{name: "lte", q: recorder.EventQuery{LTE: recorder.Version(1)}, want: []int{0, 1}},
			{name: "gt and lte", q: recorder.EventQuery{GT: recorder.Version(0), LTE: recorder.Version(2)}, want: []int{1, 2}},
			{name: "desc", q: recorder.EventQuery{Desc: true}, want: []int{3, 2, 1, 0}},
			{name: "limit", q: recorder.EventQuery{Limit: 2}, want: []int{0, 1}},
			{name: "desc limit", q: recorder.EventQuery{Desc: true, Limit: 1}, want: []int{3}},
			{name: "desc lte limit", q: recorder.EventQuery{Desc: true, LTE: recorder.Version(2), Limit: 2}, want: []int{2, 1}},
			{name: "empty window", q: recorder.EventQuery{GT: recorder.Version(3)}, want: []int{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				events, err := r.SelectEvents(ctx, id, tt.q)
				require.NoError(t, err)
				assert.Equal(t, tt.want, versions(events))
			})
		}
	})

	t.Run("duplicate version conflicts", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 0, "original")}))

		err := r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 0, "stale")})
		require.ErrorIs(t, err, recorder.ErrRecordConflict)

		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "original", events[0].Topic)
	})

	t.Run("conflict writes nothing", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		other := uuid.New()
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 0, "t")}))

		err := r.InsertEvents(ctx, []recorder.StoredEvent{
			event(other, 0, "t"),
			event(id, 1, "t"),
			event(id, 0, "t"),
		})
		require.ErrorIs(t, err, recorder.ErrRecordConflict)

		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, versions(events))
		events, err = r.SelectEvents(ctx, other, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("duplicate within one batch conflicts", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		err := r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 0, "a"), event(id, 0, "b")})
		require.ErrorIs(t, err, recorder.ErrRecordConflict)

		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("versions need not be contiguous", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 0, "t"), event(id, 5, "t")}))

		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 5}, versions(events))
	})

	t.Run("invalid records are rejected", func(t *testing.T) {
		r := newRecorder(t)
		err := r.InsertEvents(ctx, []recorder.StoredEvent{event(uuid.New(), -1, "t")})
		require.ErrorIs(t, err, recorder.ErrInvalidRecord)
		err = r.InsertEvents(ctx, []recorder.StoredEvent{event(uuid.Nil, 0, "t")})
		require.ErrorIs(t, err, recorder.ErrInvalidRecord)
	})

	t.Run("empty insert is a no-op", func(t *testing.T) {
		r := newRecorder(t)
		require.NoError(t, r.InsertEvents(ctx, nil))
		maxID, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)
		assert.Zero(t, maxID)
	})
}

// RunApplication checks the notification log.
func RunApplication(t *testing.T, newRecorder Factory) {
	ctx := context.Background()

	t.Run("empty log", func(t *testing.T) {
		r := newRecorder(t)
		maxID, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)
		assert.Zero(t, maxID)

		notifications, err := r.SelectNotifications(ctx, 1, 10, recorder.NotificationFilter{})
		require.NoError(t, err)
		assert.Empty(t, notifications)
	})

	t.Run("ordered across streams", func(t *testing.T) {
		r := newRecorder(t)
		a, b := uuid.New(), uuid.New()
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(a, 0, "topic1"), event(a, 1, "topic2")}))
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(b, 0, "topic3")}))
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(a, 2, "topic1")}))

		notifications, err := r.SelectNotifications(ctx, 1, 10, recorder.NotificationFilter{})
		require.NoError(t, err)
		require.Len(t, notifications, 4)
		requireAscending(t, ids(notifications))
		assert.Equal(t, a, notifications[0].OriginatorID)
		assert.Equal(t, 1, notifications[1].OriginatorVersion)
		assert.Equal(t, b, notifications[2].OriginatorID)
		assert.Equal(t, "topic1", notifications[3].Topic)
		assert.Equal(t, []byte("topic3-0"), notifications[2].State)

		maxID, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)
		assert.Equal(t, notifications[3].ID, maxID)

		t.Run("start and limit", func(t *testing.T) {
			page, err := r.SelectNotifications(ctx, notifications[1].ID, 2, recorder.NotificationFilter{})
			require.NoError(t, err)
			assert.Equal(t, ids(notifications[1:3]), ids(page))
		})

		t.Run("stop is inclusive", func(t *testing.T) {
			page, err := r.SelectNotifications(ctx, 1, 10, recorder.NotificationFilter{Stop: notifications[2].ID})
			require.NoError(t, err)
			assert.Equal(t, ids(notifications[:3]), ids(page))
		})

		t.Run("topics", func(t *testing.T) {
			page, err := r.SelectNotifications(ctx, 1, 10, recorder.NotificationFilter{Topics: []string{"topic1", "topic3"}})
			require.NoError(t, err)
			assert.Equal(t, []int64{notifications[0].ID, notifications[2].ID, notifications[3].ID}, ids(page))

			maxID, err := r.MaxNotificationID(ctx, "topic2")
			require.NoError(t, err)
			assert.Equal(t, notifications[1].ID, maxID)

			maxID, err = r.MaxNotificationID(ctx, "unknown")
			require.NoError(t, err)
			assert.Zero(t, maxID)
		})

		t.Run("past the end", func(t *testing.T) {
			page, err := r.SelectNotifications(ctx, maxID+1, 10, recorder.NotificationFilter{})
			require.NoError(t, err)
			assert.Empty(t, page)
		})
	})

	t.Run("failed writes leave no notifications", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 0, "t")}))
		before, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)

		err = r.InsertEvents(ctx, []recorder.StoredEvent{event(uuid.New(), 0, "t"), event(id, 0, "t")})
		require.ErrorIs(t, err, recorder.ErrRecordConflict)

		after, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		require.NoError(t, r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 1, "t")}))
		notifications, err := r.SelectNotifications(ctx, 1, 10, recorder.NotificationFilter{})
		require.NoError(t, err)
		require.Len(t, notifications, 2)
		requireAscending(t, ids(notifications))
	})
}

// RunProcess checks tracking records and their atomicity with events.
func RunProcess(t *testing.T, newRecorder Factory) {
	ctx := context.Background()
	const app = "upstream_app"

	t.Run("insert select", func(t *testing.T) {
		r := newRecorder(t)

		maxID, err := r.MaxTrackingID(ctx, app)
		require.NoError(t, err)
		assert.Zero(t, maxID)

		id1, id2 := uuid.New(), uuid.New()
		tracking1 := &recorder.Tracking{ApplicationName: app, NotificationID: 1}
		tracking2 := &recorder.Tracking{ApplicationName: app, NotificationID: 2}

		require.NoError(t, r.InsertEventsWithTracking(ctx, []recorder.StoredEvent{
			event(id1, 0, "topic1"),
			event(id1, 1, "topic2"),
		}, tracking1))

		maxID, err = r.MaxTrackingID(ctx, app)
		require.NoError(t, err)
		assert.EqualValues(t, 1, maxID)

		stored3 := event(id2, 1, "topic3")
		err = r.InsertEventsWithTracking(ctx, []recorder.StoredEvent{stored3}, tracking1)
		require.ErrorIs(t, err, recorder.ErrRecordConflict)
		assert.True(t, recorder.IsTrackingConflict(err), "duplicate position must be a tracking conflict: %v", err)

		maxID, err = r.MaxTrackingID(ctx, app)
		require.NoError(t, err)
		assert.EqualValues(t, 1, maxID)
		events, err := r.SelectEvents(ctx, id2, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Empty(t, events, "events of a rejected unit must not be visible")

		require.NoError(t, r.InsertEventsWithTracking(ctx, []recorder.StoredEvent{stored3}, tracking2))

		maxID, err = r.MaxTrackingID(ctx, app)
		require.NoError(t, err)
		assert.EqualValues(t, 2, maxID)
		events, err = r.SelectEvents(ctx, id2, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("event conflict drops tracking", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEventsWithTracking(ctx,
			[]recorder.StoredEvent{event(id, 0, "t")},
			&recorder.Tracking{ApplicationName: app, NotificationID: 1}))

		err := r.InsertEventsWithTracking(ctx,
			[]recorder.StoredEvent{event(id, 0, "t")},
			&recorder.Tracking{ApplicationName: app, NotificationID: 2})
		require.ErrorIs(t, err, recorder.ErrRecordConflict)
		assert.False(t, recorder.IsTrackingConflict(err), "taken version must be a stream conflict: %v", err)

		maxID, err := r.MaxTrackingID(ctx, app)
		require.NoError(t, err)
		assert.EqualValues(t, 1, maxID)
	})

	t.Run("failed write is not a conflict and leaves nothing", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEventsWithTracking(ctx,
			[]recorder.StoredEvent{event(id, 0, "t")},
			&recorder.Tracking{ApplicationName: app, NotificationID: 1}))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := r.InsertEventsWithTracking(cancelled,
			[]recorder.StoredEvent{event(id, 1, "t"), event(uuid.New(), 0, "t")},
			&recorder.Tracking{ApplicationName: app, NotificationID: 2})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, recorder.IsConflict(err), "infrastructure failure reported as conflict: %v", err)

		maxTracking, err := r.MaxTrackingID(ctx, app)
		require.NoError(t, err)
		assert.EqualValues(t, 1, maxTracking)
		maxNotification, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, maxNotification)
		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("tracking without events", func(t *testing.T) {
		r := newRecorder(t)
		require.NoError(t, r.InsertEventsWithTracking(ctx, nil, &recorder.Tracking{ApplicationName: app, NotificationID: 7}))

		maxID, err := r.MaxTrackingID(ctx, app)
		require.NoError(t, err)
		assert.EqualValues(t, 7, maxID)

		err = r.InsertEventsWithTracking(ctx, nil, &recorder.Tracking{ApplicationName: app, NotificationID: 7})
		require.ErrorIs(t, err, recorder.ErrRecordConflict)
		assert.True(t, recorder.IsTrackingConflict(err))

		notifications, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)
		assert.Zero(t, notifications)
	})

	t.Run("nil tracking inserts events only", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		require.NoError(t, r.InsertEventsWithTracking(ctx, []recorder.StoredEvent{event(id, 0, "t")}, nil))

		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("applications are tracked independently", func(t *testing.T) {
		r := newRecorder(t)
		require.NoError(t, r.InsertEventsWithTracking(ctx, nil, &recorder.Tracking{ApplicationName: "a", NotificationID: 3}))
		require.NoError(t, r.InsertEventsWithTracking(ctx, nil, &recorder.Tracking{ApplicationName: "b", NotificationID: 3}))
		require.NoError(t, r.InsertEventsWithTracking(ctx, nil, &recorder.Tracking{ApplicationName: "a", NotificationID: 9}))

		for app, want := range map[string]int64{"a": 9, "b": 3, "c": 0} {
			maxID, err := r.MaxTrackingID(ctx, app)
			require.NoError(t, err)
			assert.Equal(t, want, maxID, "application %q", app)
		}
	})

	t.Run("invalid tracking is rejected", func(t *testing.T) {
		r := newRecorder(t)
		err := r.InsertEventsWithTracking(ctx, nil, &recorder.Tracking{ApplicationName: app, NotificationID: 0})
		require.ErrorIs(t, err, recorder.ErrInvalidRecord)
		err = r.InsertEventsWithTracking(ctx, nil, &recorder.Tracking{NotificationID: 1})
		require.ErrorIs(t, err, recorder.ErrInvalidRecord)
	})
}

// RunConcurrency checks the guarantees that hold under racing writers.
func RunConcurrency(t *testing.T, newRecorder Factory) {
	ctx := context.Background()
	const writers = 8

	race := func(n int, write func(i int) error) (ok, conflicts int, errs []error) {
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				err := write(i)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case recorder.IsConflict(err):
					conflicts++
				default:
					errs = append(errs, err)
				}
			}(i)
		}
		close(start)
		wg.Wait()
		return ok, conflicts, errs
	}

	t.Run("one winner per version", func(t *testing.T) {
		r := newRecorder(t)
		id := uuid.New()
		ok, conflicts, errs := race(writers, func(i int) error {
			return r.InsertEvents(ctx, []recorder.StoredEvent{event(id, 0, fmt.Sprintf("writer-%d", i))})
		})
		require.Empty(t, errs)
		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflicts)

		events, err := r.SelectEvents(ctx, id, recorder.EventQuery{})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("one winner per tracking position", func(t *testing.T) {
		r := newRecorder(t)
		ok, conflicts, errs := race(writers, func(i int) error {
			return r.InsertEventsWithTracking(ctx,
				[]recorder.StoredEvent{event(uuid.New(), 0, "derived")},
				&recorder.Tracking{ApplicationName: "upstream", NotificationID: 1})
		})
		require.Empty(t, errs)
		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflicts)

		notifications, err := r.SelectNotifications(ctx, 1, 100, recorder.NotificationFilter{})
		require.NoError(t, err)
		assert.Len(t, notifications, 1, "only the winner's events are visible")
	})

	t.Run("distinct writers all commit in order", func(t *testing.T) {
		r := newRecorder(t)
		ok, conflicts, errs := race(writers, func(i int) error {
			id := uuid.New()
			return r.InsertEventsWithTracking(ctx,
				[]recorder.StoredEvent{event(id, 0, "t"), event(id, 1, "t")},
				&recorder.Tracking{ApplicationName: "upstream", NotificationID: int64(i + 1)})
		})
		require.Empty(t, errs)
		assert.Equal(t, writers, ok)
		assert.Zero(t, conflicts)

		notifications, err := r.SelectNotifications(ctx, 1, 100, recorder.NotificationFilter{})
		require.NoError(t, err)
		require.Len(t, notifications, 2*writers)
		requireAscending(t, ids(notifications))

		// Events of one write unit are adjacent in the log.
		for i := 0; i < len(notifications); i += 2 {
			assert.Equal(t, notifications[i].OriginatorID, notifications[i+1].OriginatorID)
		}

		maxID, err := r.MaxNotificationID(ctx)
		require.NoError(t, err)
		assert.Equal(t, notifications[len(notifications)-1].ID, maxID)

		track, err := r.MaxTrackingID(ctx, "upstream")
		require.NoError(t, err)
		assert.EqualValues(t, writers, track)
	})
}

// Bench times single-event writes with tracking, one fresh stream per
// write, the way a process manager appends downstream.
func Bench(b *testing.B, newRecorder func(b *testing.B) recorder.ProcessRecorder) {
	ctx := context.Background()
	r := newRecorder(b)
	state := []byte(`{"amount":100}`)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e := recorder.StoredEvent{OriginatorID: uuid.New(), Topic: "benchmarked", State: state}
		tracking := &recorder.Tracking{ApplicationName: "upstream_app", NotificationID: int64(i + 1)}
		if err := r.InsertEventsWithTracking(ctx, []recorder.StoredEvent{e}, tracking); err != nil {
			b.Fatalf("insert %d: %v", i, err)
		}
	}
}
