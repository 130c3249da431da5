package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"upscale-orders/internal/api"
	"upscale-orders/internal/config"
	"upscale-orders/internal/download"
	"upscale-orders/internal/events"
	"upscale-orders/internal/notify"
	"upscale-orders/internal/payments"
	"upscale-orders/internal/pricing"
	"upscale-orders/internal/ratelimit"
	"upscale-orders/internal/store"
	"upscale-orders/internal/upscaler"
	"upscale-orders/internal/webhook"
)

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

	dispatcher := events.NewDispatcher(logger)

	st, err := store.New(ctx, cfg.PostgresDSN, dispatcher)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	notifier := notify.NewLogNotifier(logger, st)
	calc := pricing.New(pricing.Settings{
		CreditsPerMegapixel: cfg.CreditsPerMegapixel,
		CostPerCredit:       cfg.CostPerCredit,
		MarkupPercent:       cfg.MarkupPercent,
		MinimumCharge:       cfg.MinimumCharge,
	})

	payOrch := payments.NewOrchestrator(logger, st, calc, notifier, payments.Options{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.CheckoutSuccessURL,
		CancelURL:     cfg.CheckoutCancelURL,
	})

	var archiver download.Archiver
	if cfg.ArchiveS3Bucket != "" {
		archiver, err = download.NewS3Archiver(ctx, download.S3Options{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init artifact archive")
		}
	}

	downloads, err := download.NewManager(logger, download.Options{
		Store:         st,
		Notifier:      notifier,
		Archiver:      archiver,
		StorageDir:    cfg.StorageDir,
		PublicBaseURL: cfg.PublicBaseURL,
		TTL:           cfg.DownloadTTL,
		MaxBytes:      cfg.ArtifactMaxBytes,
		FetchTimeout:  cfg.ArtifactFetchTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init download manager")
	}

	client := upscaler.NewClient(upscaler.Options{
		BaseURL: cfg.UpscalerBaseURL,
		APIKey:  cfg.UpscalerAPIKey,
		Timeout: cfg.UpscalerSubmitTimeout,
	})
	upOrch := upscaler.NewOrchestrator(logger, st, client, payOrch, downloads,
		cfg.PublicBaseURL+"/webhook/upscaler", cfg.UpscalerWebhookSecret)
	dispatcher.Subscribe(upOrch.OnStatusChange)

	webhooks := webhook.NewRouter(logger, cfg.WebhookMaxBytes)
	webhooks.Register("stripe", payOrch)
	webhooks.Register("upscaler", upOrch)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, logger, payOrch, st, upOrch, calc, downloads, webhooks, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
