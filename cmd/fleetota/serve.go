package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetota/fleetota"
	"github.com/fleetota/fleetota/internal/api"
	"github.com/fleetota/fleetota/internal/config"
	"github.com/fleetota/fleetota/internal/dispatch"
	"github.com/fleetota/fleetota/internal/eventdb"
	"github.com/fleetota/fleetota/internal/recorddb"
	"github.com/fleetota/fleetota/internal/tracking"
)

func newServeCmd() *cobra.Command {
	var (
		flagAddr     string
		flagInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment API and reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if flagAddr != "" {
				cfg.HTTPAddr = flagAddr
			}
			if flagInterval > 0 {
				cfg.PollInterval = flagInterval
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (default from FLEETOTA_HTTP_ADDR)")
	cmd.Flags().DurationVar(&flagInterval, "poll-interval", 0, "Reconciliation interval (default from FLEETOTA_POLL_INTERVAL)")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := recorddb.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer records.Close()

	tracker, err := tracking.Open(cfg.TrackingDir)
	if err != nil {
		return err
	}
	defer tracker.Close()

	events := eventdb.New(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	defer events.Close()

	reconciler, err := fleetota.NewReconciler(records, tracker, events, fleetota.ReconcilerConfig{
		Interval: cfg.PollInterval,
		PoolSize: cfg.PoolSize,
	})
	if err != nil {
		return err
	}
	defer reconciler.Close()

	if err := reconciler.Recover(ctx); err != nil {
		return err
	}

	signer, err := dispatch.NewHMACSigner(cfg.ArtifactBaseURL, cfg.SigningSecret)
	if err != nil {
		return err
	}
	initiator, err := fleetota.NewInitiator(records, tracker,
		dispatch.NewCommandClient(cfg.CommandHandlerURL), signer, reconciler,
		fleetota.InitiatorConfig{ArtifactTTL: cfg.ArtifactTTL})
	if err != nil {
		return err
	}
	querier, err := fleetota.NewQueryService(records, events)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(initiator, querier),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Str("database", cfg.DatabasePath).
			Dur("poll_interval", cfg.PollInterval).
			Msg("fleetota serving")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
