package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-fieldsync/internal/app"
	"github.com/illmade-knight/go-fieldsync/pkg/ingest"
	"github.com/illmade-knight/go-fieldsync/pkg/syncservice"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	SyncOnStart bool
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon: scheduled background syncs, optional MQTT ingestion
of device readings and, when metrics.listen is set, an HTTP API with
/healthz, /metrics, /status, /events and POST /sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.SyncOnStart, "sync-on-start", false, "start a background sync immediately")
	return cmd
}

func runDaemon(ctx context.Context, opts *RunOptions, cmd *cobra.Command) error {
	cfg, logger, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close resources")
		}
	}()

	var ingester *ingest.MQTTIngester
	if cfg.MQTT.Enabled {
		if ingester, err = a.Ingester(); err != nil {
			return err
		}
		if err := ingester.Start(); err != nil {
			return err
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Broadcaster.Run(gCtx)
		return nil
	})

	scheduler := a.Scheduler(syncservice.MainsPower{})
	g.Go(func() error {
		if opts.SyncOnStart {
			scheduler.Tick(gCtx)
		}
		return ignoreCanceled(scheduler.Run(gCtx))
	})

	if ingester != nil {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					ingester.Stop()
					return nil
				case err, ok := <-ingester.Err():
					if !ok {
						return nil
					}
					logger.Warn().Err(err).Msg("Ingestion error")
				}
			}
		})
	}

	if cfg.Metrics.Listen != "" {
		server := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           app.NewHandler(a.Service, a.Broadcaster, a.Registry, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Msg("fieldsync daemon started")
	err = g.Wait()
	logger.Info().Msg("fieldsync daemon stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
