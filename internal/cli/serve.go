package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jensholdgaard/eventrecorder/internal/clock"
	"github.com/jensholdgaard/eventrecorder/internal/config"
	"github.com/jensholdgaard/eventrecorder/internal/health"
	"github.com/jensholdgaard/eventrecorder/internal/leader"
	"github.com/jensholdgaard/eventrecorder/internal/process"
	"github.com/jensholdgaard/eventrecorder/internal/recorder"
	"github.com/jensholdgaard/eventrecorder/internal/store"
	"github.com/jensholdgaard/eventrecorder/internal/telemetry"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the health server and, when enabled, the process follower",
		Long: `Open the configured recorder and serve /healthz and /readyz.

With process.enabled the service also follows the upstream recorder's
notification log and relays each notification into the recorder together
with its tracking position. With leader_election.enabled only the replica
holding the Kubernetes Lease runs the follower.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, version)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, version string) error {
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	b, err := store.Open(ctx, cfg.Recorder)
	if err != nil {
		return fmt.Errorf("opening recorder (driver=%s): %w", cfg.Recorder.Driver, err)
	}
	defer b.Closer.Close()
	logger.InfoContext(ctx, "recorder opened", slog.String("driver", cfg.Recorder.Driver))

	rec, err := recorder.Instrument(b.Recorder, logger, tp.TracerProvider, tp.MeterProvider)
	if err != nil {
		return fmt.Errorf("instrumenting recorder: %w", err)
	}

	healthHandler := health.NewHandler(clk, health.Checker{Name: "recorder", Check: b.Ping})
	healthHandler.AddPosition(health.Position{
		Name: "notifications",
		Read: func(ctx context.Context) (int64, error) { return rec.MaxNotificationID(ctx) },
	})

	var follower *process.Follower
	if cfg.Process.Enabled {
		up, err := store.Open(ctx, cfg.Upstream)
		if err != nil {
			return fmt.Errorf("opening upstream recorder (driver=%s): %w", cfg.Upstream.Driver, err)
		}
		defer up.Closer.Close()

		upRec, err := recorder.Instrument(up.Recorder, logger.With(slog.String("recorder", "upstream")), tp.TracerProvider, tp.MeterProvider)
		if err != nil {
			return fmt.Errorf("instrumenting upstream recorder: %w", err)
		}

		follower = process.NewFollower(process.Config{
			Upstream:     cfg.Process.Upstream,
			Topics:       cfg.Process.Topics,
			BatchSize:    cfg.Process.BatchSize,
			PollInterval: cfg.Process.PollInterval,
		}, upRec, rec, process.Relay(), logger, tp.TracerProvider)

		healthHandler.AddChecker(health.Checker{Name: "upstream", Check: up.Ping})
		healthHandler.AddPosition(health.Position{Name: "follower", Read: follower.Position})
	}

	mux := http.NewServeMux()
	healthHandler.Routes(mux)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "recorder service is running", slog.String("version", version))

	var runErr error
	if follower != nil {
		if cfg.LeaderElection.Enabled {
			logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")
		}
		// The elector may still be unwinding the work goroutine when it returns.
		followerErr := make(chan error, 1)
		leadCtx, stopLeading := context.WithCancel(ctx)
		defer stopLeading()
		leaderErr := leader.Lead(leadCtx, cfg.LeaderElection, logger, func(ctx context.Context) {
			if err := follower.Run(ctx); err != nil {
				logger.ErrorContext(ctx, "follower stopped", slog.Any("error", err))
				followerErr <- err
				// Give up the lease so another replica can take over.
				stopLeading()
			}
		})
		switch {
		case leaderErr != nil:
			runErr = fmt.Errorf("leader election: %w", leaderErr)
		default:
			select {
			case runErr = <-followerErr:
			default:
			}
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return runErr
}
