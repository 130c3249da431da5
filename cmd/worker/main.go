package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"upscale-orders/internal/config"
	"upscale-orders/internal/download"
	"upscale-orders/internal/store"
	"upscale-orders/internal/telemetry"
)

// The worker is the housekeeping side of the system: it revokes expired
// download links, deletes their artifacts, and abandons checkouts whose
// session-expired webhook never arrived.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	downloads, err := download.NewManager(logger, download.Options{
		Store:         st,
		StorageDir:    cfg.StorageDir,
		PublicBaseURL: cfg.PublicBaseURL,
		TTL:           cfg.DownloadTTL,
		MaxBytes:      cfg.ArtifactMaxBytes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init download manager")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Dur("interval", cfg.SweepInterval).
		Dur("abandon_after", cfg.AbandonAfter).
		Msg("sweeper started")

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	sweep(ctx, logger, st, downloads, cfg.AbandonAfter)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			sweep(ctx, logger, st, downloads, cfg.AbandonAfter)
		}
	}
}

const sweepBatch = 500

func sweep(ctx context.Context, logger zerolog.Logger, st *store.Store, downloads *download.Manager, abandonAfter time.Duration) {
	now := time.Now().UTC()

	swept, err := downloads.CleanupExpired(ctx, now, sweepBatch)
	if err != nil {
		logger.Error().Err(err).Msg("delivery sweep failed")
	} else if swept > 0 {
		logger.Info().Int("count", swept).Msg("expired deliveries swept")
	}

	stale, err := st.StaleAwaitingPayment(ctx, now.Add(-abandonAfter), sweepBatch)
	if err != nil {
		logger.Error().Err(err).Msg("stale checkout query failed")
		return
	}
	for _, job := range stale {
		if err := st.MarkAbandoned(ctx, job.JobID); err != nil {
			logger.Warn().Err(err).Str("job_id", job.JobID).Msg("could not abandon stale checkout")
			continue
		}
		telemetry.CheckoutsSwept.Inc()
	}
	if len(stale) > 0 {
		logger.Info().Int("count", len(stale)).Msg("stale checkouts abandoned")
	}
}

func newLogger(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
