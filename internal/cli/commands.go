package cli

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/recorder"
	"github.com/jensholdgaard/eventrecorder/internal/store"
)

// NewSetupCommand creates the setup command.
func NewSetupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the events and tracking tables",
		Long: `Create the events and tracking tables of the configured recorder,
and of the upstream recorder when one is configured. Existing tables are left
untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sections := []config.RecorderConfig{cfg.Recorder}
			if cfg.Upstream.Driver != "" {
				sections = append(sections, cfg.Upstream)
			}
			for _, rc := range sections {
				rc.CreateTables = true
				b, err := store.Open(cmd.Context(), rc)
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("creating tables (driver=%s)", rc.Driver), err)
				}
				_ = b.Closer.Close()
			}
			p := printer{format: opts.Format, w: cmd.OutOrStdout()}
			return p.message(fmt.Sprintf("tables ready: %s, %s", cfg.Recorder.EventsTable, cfg.Recorder.TrackingTable))
		},
	}
}

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Version int
	Topic   string
	State   string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <originator-id>",
		Short: "Append one event to a stream",
		Long: `Append one event to the stream of an originator.

Exit codes:
  0 - event recorded
  1 - the version is already taken
  2 - command error

Examples:
  recorderctl append 0b0f7e4c-5f0e-4c1f-9d8e-2b4f4c3d1a10 --version 0 --topic order.placed --state '{"total":12}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "parsing originator id", err)
			}
			return opts.withRecorder(cmd.Context(), func(b *store.Backend, cfg *config.Config) error {
				event := recorder.StoredEvent{
					OriginatorID:      id,
					OriginatorVersion: opts.Version,
					Topic:             opts.Topic,
					State:             []byte(opts.State),
				}
				err := b.Recorder.InsertEvents(cmd.Context(), []recorder.StoredEvent{event})
				switch {
				case recorder.IsConflict(err):
					return WrapExitError(ExitFailure, fmt.Sprintf("version %d of %s", opts.Version, id), err)
				case errors.Is(err, recorder.ErrInvalidRecord):
					return WrapExitError(ExitCommandError, "invalid event", err)
				case err != nil:
					return err
				}
				commandLogger(cmd, cfg).DebugContext(cmd.Context(), "event appended",
					"originator_id", id, "version", opts.Version)
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				return p.message(fmt.Sprintf("recorded %s version %d", id, opts.Version))
			})
		},
	}

	cmd.Flags().IntVar(&opts.Version, "version", 0, "stream position of the event")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "event topic (required)")
	_ = cmd.MarkFlagRequired("topic")
	cmd.Flags().StringVar(&opts.State, "state", "", "serialized event state")

	return cmd
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	GT    int
	LTE   int
	Desc  bool
	Limit int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <originator-id>",
		Short: "List the events of one stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "parsing originator id", err)
			}
			q := recorder.EventQuery{Desc: opts.Desc, Limit: opts.Limit}
			if cmd.Flags().Changed("gt") {
				q.GT = recorder.Version(opts.GT)
			}
			if cmd.Flags().Changed("lte") {
				q.LTE = recorder.Version(opts.LTE)
			}
			return opts.withRecorder(cmd.Context(), func(b *store.Backend, _ *config.Config) error {
				events, err := b.Recorder.SelectEvents(cmd.Context(), id, q)
				if err != nil {
					return err
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.events(events)
			})
		},
	}

	cmd.Flags().IntVar(&opts.GT, "gt", 0, "only versions greater than this")
	cmd.Flags().IntVar(&opts.LTE, "lte", 0, "only versions less than or equal to this")
	cmd.Flags().BoolVar(&opts.Desc, "desc", false, "newest first")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 for all)")

	return cmd
}

// NotificationsOptions holds flags for the notifications command.
type NotificationsOptions struct {
	*RootOptions
	Start  int64
	Limit  int
	Stop   int64
	Topics []string
}

// NewNotificationsCommand creates the notifications command.
func NewNotificationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NotificationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Page through the notification log",
		Long: `Page through the recorder's notification log in id order.

Examples:
  recorderctl notifications --start 1 --limit 20
  recorderctl notifications --start 101 --topic order.placed --topic order.cancelled`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRecorder(cmd.Context(), func(b *store.Backend, _ *config.Config) error {
				ns, err := b.Recorder.SelectNotifications(cmd.Context(), opts.Start, opts.Limit,
					recorder.NotificationFilter{Stop: opts.Stop, Topics: opts.Topics})
				if err != nil {
					return err
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.notifications(ns)
			})
		},
	}

	cmd.Flags().Int64Var(&opts.Start, "start", 1, "first notification id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "maximum number of notifications")
	cmd.Flags().Int64Var(&opts.Stop, "stop", 0, "last notification id (0 for no bound)")
	cmd.Flags().StringSliceVar(&opts.Topics, "topic", nil, "only these topics (repeatable)")

	return cmd
}

// NewMaxIDCommand creates the max-id command.
func NewMaxIDCommand(opts *RootOptions) *cobra.Command {
	var topics []string
	cmd := &cobra.Command{
		Use:   "max-id",
		Short: "Print the newest notification id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRecorder(cmd.Context(), func(b *store.Backend, _ *config.Config) error {
				id, err := b.Recorder.MaxNotificationID(cmd.Context(), topics...)
				if err != nil {
					return err
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.position("max_notification_id", id)
			})
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "only these topics (repeatable)")
	return cmd
}

// NewTrackingCommand creates the tracking command.
func NewTrackingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tracking <application>",
		Short: "Print the last upstream position recorded for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRecorder(cmd.Context(), func(b *store.Backend, _ *config.Config) error {
				id, err := b.Recorder.MaxTrackingID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printer{format: opts.Format, w: cmd.OutOrStdout()}.position("max_tracking_id", id)
			})
		},
	}
}
