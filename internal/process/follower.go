// Package process runs a process manager: it follows an upstream
// application's notification log and records derived events together with
// the consumed position, so each upstream notification takes effect once.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/eventrecorder/internal/recorder"
)

// Policy derives new events from one upstream notification. Returning no
// events still advances the tracked position.
type Policy func(ctx context.Context, n recorder.Notification) ([]recorder.StoredEvent, error)

// Relay returns a policy that records upstream events unchanged.
func Relay() Policy {
	return func(_ context.Context, n recorder.Notification) ([]recorder.StoredEvent, error) {
		return []recorder.StoredEvent{n.StoredEvent}, nil
	}
}

// Config configures a Follower.
type Config struct {
	// Upstream names the followed application in tracking records.
	Upstream     string
	Topics       []string
	BatchSize    int
	PollInterval time.Duration
}

// Follower pulls notifications from an upstream recorder and applies a
// policy to each, recording the results in a downstream recorder.
type Follower struct {
	cfg        Config
	upstream   recorder.ApplicationRecorder
	downstream recorder.ProcessRecorder
	policy     Policy
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewFollower returns a Follower. A non-positive batch size defaults to 100
// and a non-positive poll interval to one second.
func NewFollower(cfg Config, upstream recorder.ApplicationRecorder, downstream recorder.ProcessRecorder, policy Policy, logger *slog.Logger, tp trace.TracerProvider) *Follower {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Follower{
		cfg:        cfg,
		upstream:   upstream,
		downstream: downstream,
		policy:     policy,
		logger:     logger.With(slog.String("upstream", cfg.Upstream)),
		tracer:     tp.Tracer("github.com/jensholdgaard/eventrecorder/internal/process"),
	}
}

// Position returns the last upstream notification id recorded downstream.
func (f *Follower) Position(ctx context.Context) (int64, error) {
	return f.downstream.MaxTrackingID(ctx, f.cfg.Upstream)
}

// Pull processes at most one batch and returns how many notifications were
// recorded. Notifications already recorded by another worker are skipped.
func (f *Follower) Pull(ctx context.Context) (int, error) {
	ctx, span := f.tracer.Start(ctx, "Follower.Pull",
		trace.WithAttributes(attribute.String("upstream", f.cfg.Upstream)),
	)
	defer span.End()

	n, err := f.pull(ctx)
	span.SetAttributes(attribute.Int("processed", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

func (f *Follower) pull(ctx context.Context) (int, error) {
	pos, err := f.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading position: %w", err)
	}

	notifications, err := f.upstream.SelectNotifications(ctx, pos+1, f.cfg.BatchSize, recorder.NotificationFilter{})
	if err != nil {
		return 0, fmt.Errorf("selecting notifications after %d: %w", pos, err)
	}

	processed := 0
	for _, n := range notifications {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		var events []recorder.StoredEvent
		if recorder.MatchesTopic(n.Topic, f.cfg.Topics) {
			events, err = f.policy(ctx, n)
			if err != nil {
				return processed, fmt.Errorf("applying policy to notification %d: %w", n.ID, err)
			}
		}

		tracking := &recorder.Tracking{ApplicationName: f.cfg.Upstream, NotificationID: n.ID}
		err = f.downstream.InsertEventsWithTracking(ctx, events, tracking)
		switch {
		case err == nil:
			processed++
		case recorder.IsTrackingConflict(err):
			// Another worker recorded this position; resume after it.
			f.logger.WarnContext(ctx, "notification already processed",
				slog.Int64("notification_id", n.ID),
				slog.Any("error", err),
			)
			return processed, nil
		case recorder.IsConflict(err):
			// The derived events clash with a stream. Retrying cannot succeed
			// until the policy or the downstream data changes.
			f.logger.ErrorContext(ctx, "derived events conflict, follower stalled at notification",
				slog.Int64("notification_id", n.ID),
				slog.Any("error", err),
			)
			return processed, nil
		default:
			return processed, fmt.Errorf("recording notification %d: %w", n.ID, err)
		}
	}

	if processed > 0 {
		f.logger.DebugContext(ctx, "notifications processed",
			slog.Int("count", processed),
			slog.Int64("position", notifications[processed-1].ID),
		)
	}
	return processed, nil
}

// Run pulls until ctx is done, sleeping for the poll interval whenever a
// batch comes back short. It returns nil on cancellation.
func (f *Follower) Run(ctx context.Context) error {
	pos, err := f.Position(ctx)
	if err != nil {
		return fmt.Errorf("reading position: %w", err)
	}
	f.logger.InfoContext(ctx, "follower started", slog.Int64("position", pos))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.InfoContext(ctx, "follower stopped")
			return nil
		case <-timer.C:
		}

		n, err := f.Pull(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				continue
			}
			return err
		}

		wait := f.cfg.PollInterval
		if n >= f.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}
