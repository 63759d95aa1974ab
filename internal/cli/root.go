// Package cli implements the recorderctl commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/store"
	"github.com/jensholdgaard/eventrecorder/internal/telemetry"

	// Register recorder drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/eventrecorder/internal/store/memory"
	_ "github.com/jensholdgaard/eventrecorder/internal/store/postgres"
	_ "github.com/jensholdgaard/eventrecorder/internal/store/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the recorderctl root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "recorderctl",
		Short:   "Inspect and serve an event recorder",
		Long:    "Create recorder tables, append and query stored events, and run the recorder service.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to configuration file (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSetupCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewNotificationsCommand(opts))
	cmd.AddCommand(NewMaxIDCommand(opts))
	cmd.AddCommand(NewTrackingCommand(opts))
	cmd.AddCommand(NewServeCommand(opts, version))

	return cmd
}

// loadConfig reads the file named by --config, or the defaults when no file
// was given.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if o.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "loading config", err)
	}
	return cfg, nil
}

// commandLogger returns a stderr logger for one-shot commands.
func commandLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level, err := telemetry.ParseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// withRecorder opens the configured recorder, runs fn and closes it.
func (o *RootOptions) withRecorder(ctx context.Context, fn func(b *store.Backend, cfg *config.Config) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	b, err := store.Open(ctx, cfg.Recorder)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("opening recorder (driver=%s)", cfg.Recorder.Driver), err)
	}
	defer b.Closer.Close()
	return fn(b, cfg)
}
