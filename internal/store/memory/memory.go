// Package memory provides a volatile recorder backend for tests and
// single-process use. All state is lost when the recorder is discarded.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/recorder"
	"github.com/jensholdgaard/eventrecorder/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.RecorderConfig) (*store.Backend, error) {
	r := New()
	return &store.Backend{
		Recorder:     r,
		Closer:       store.NopCloser,
		Ping:         func(context.Context) error { return nil },
		CreateTables: func(context.Context) error { return nil },
	}, nil
}

type streamKey struct {
	id      uuid.UUID
	version int
}

// Recorder implements recorder.ProcessRecorder in memory.
// Writers hold the write lock for the whole call; readers share the read lock.
type Recorder struct {
	mu sync.RWMutex

	// log is ordered by notification id; log[i].ID == i+1.
	log      []recorder.Notification
	versions map[streamKey]int64 // stream position -> notification id
	streams  map[uuid.UUID][]int64
	tracking map[string]map[int64]struct{}
	maxTrack map[string]int64
}

var _ recorder.ProcessRecorder = (*Recorder)(nil)

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{
		versions: make(map[streamKey]int64),
		streams:  make(map[uuid.UUID][]int64),
		tracking: make(map[string]map[int64]struct{}),
		maxTrack: make(map[string]int64),
	}
}

func (r *Recorder) InsertEvents(ctx context.Context, events []recorder.StoredEvent) error {
	return r.InsertEventsWithTracking(ctx, events, nil)
}

func (r *Recorder) InsertEventsWithTracking(ctx context.Context, events []recorder.StoredEvent, tracking *recorder.Tracking) error {
	if err := recorder.ValidateWrite(events, tracking); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkConflicts(events, tracking); err != nil {
		return err
	}

	for _, e := range events {
		id := int64(len(r.log)) + 1
		e.State = slices.Clone(e.State)
		r.log = append(r.log, recorder.Notification{ID: id, StoredEvent: e})
		r.versions[streamKey{e.OriginatorID, e.OriginatorVersion}] = id
		r.streams[e.OriginatorID] = insertSorted(r.streams[e.OriginatorID], id, r.log)
	}
	if tracking != nil {
		ids, ok := r.tracking[tracking.ApplicationName]
		if !ok {
			ids = make(map[int64]struct{})
			r.tracking[tracking.ApplicationName] = ids
		}
		ids[tracking.NotificationID] = struct{}{}
		if tracking.NotificationID > r.maxTrack[tracking.ApplicationName] {
			r.maxTrack[tracking.ApplicationName] = tracking.NotificationID
		}
	}
	return nil
}

// checkConflicts must be called with the write lock held.
func (r *Recorder) checkConflicts(events []recorder.StoredEvent, tracking *recorder.Tracking) error {
	if tracking != nil {
		if _, ok := r.tracking[tracking.ApplicationName][tracking.NotificationID]; ok {
			return recorder.NewTrackingConflictError("insert tracking",
				fmt.Errorf("application %q position %d already recorded", tracking.ApplicationName, tracking.NotificationID))
		}
	}
	batch := make(map[streamKey]struct{}, len(events))
	for _, e := range events {
		k := streamKey{e.OriginatorID, e.OriginatorVersion}
		_, stored := r.versions[k]
		_, seen := batch[k]
		if stored || seen {
			return recorder.NewConflictError("insert events",
				fmt.Errorf("originator %s version %d already exists", e.OriginatorID, e.OriginatorVersion))
		}
		batch[k] = struct{}{}
	}
	return nil
}

// insertSorted keeps a stream's notification ids ordered by version.
func insertSorted(ids []int64, id int64, log []recorder.Notification) []int64 {
	v := log[id-1].OriginatorVersion
	i, _ := slices.BinarySearchFunc(ids, v, func(n int64, v int) int {
		return log[n-1].OriginatorVersion - v
	})
	return slices.Insert(ids, i, id)
}

func (r *Recorder) SelectEvents(_ context.Context, originatorID uuid.UUID, q recorder.EventQuery) ([]recorder.StoredEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.streams[originatorID]
	events := make([]recorder.StoredEvent, 0, len(ids))
	for _, id := range ids {
		e := r.log[id-1].StoredEvent
		if q.GT != nil && e.OriginatorVersion <= *q.GT {
			continue
		}
		if q.LTE != nil && e.OriginatorVersion > *q.LTE {
			continue
		}
		e.State = slices.Clone(e.State)
		events = append(events, e)
	}
	if q.Desc {
		slices.Reverse(events)
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}
	return events, nil
}

func (r *Recorder) SelectNotifications(_ context.Context, start int64, limit int, f recorder.NotificationFilter) ([]recorder.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if start < 1 {
		start = 1
	}
	var out []recorder.Notification
	for i := start - 1; i < int64(len(r.log)) && len(out) < limit; i++ {
		n := r.log[i]
		if f.Stop > 0 && n.ID > f.Stop {
			break
		}
		if recorder.MatchesTopic(n.Topic, f.Topics) {
			n.State = slices.Clone(n.State)
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *Recorder) MaxNotificationID(_ context.Context, topics ...string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.log) - 1; i >= 0; i-- {
		if recorder.MatchesTopic(r.log[i].Topic, topics) {
			return r.log[i].ID, nil
		}
	}
	return 0, nil
}

func (r *Recorder) MaxTrackingID(_ context.Context, applicationName string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.maxTrack[applicationName], nil
}
