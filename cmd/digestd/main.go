// Package main provides the entry point for the weekly digest daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chrischrischristianyijin/quest-digest/internal/config"
	"github.com/chrischrischristianyijin/quest-digest/internal/content"
	"github.com/chrischrischristianyijin/quest-digest/internal/email"
	"github.com/chrischrischristianyijin/quest-digest/internal/enrich"
	"github.com/chrischrischristianyijin/quest-digest/internal/render"
	"github.com/chrischrischristianyijin/quest-digest/internal/repository"
	"github.com/chrischrischristianyijin/quest-digest/internal/scheduler"
	"github.com/chrischrischristianyijin/quest-digest/internal/telemetry"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting digestd")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setLogLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleShutdown(cancel)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("digestd shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer telemetryShutdown(context.Background())

	repo, err := repository.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// Redis is optional; without it webhook rate limiting is disabled.
	var cache repository.Cache
	if cfg.Redis.URL != "" {
		cache, err = repository.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to Redis, continuing without cache")
			cache = repository.NewNullCache()
		}
	} else {
		cache = repository.NewNullCache()
	}
	defer cache.Close()

	// Prefer the provider HTTP API when its key is configured; raw SMTP
	// is the fallback transport.
	var transport email.Transport
	if cfg.Email.ProviderAPIKey != "" {
		transport = email.NewBrevoClient(cfg.Email.ProviderAPIKey, cfg.Email.ProviderBaseURL,
			cfg.Email.SenderEmail, cfg.Email.SenderName, cfg.Email.SendTimeout)
	} else {
		transport = email.NewSender(email.Config{
			Host:          cfg.Email.SMTP.Host,
			Port:          cfg.Email.SMTP.Port,
			Username:      cfg.Email.SMTP.Username,
			Password:      cfg.Email.SMTP.Password,
			TLS:           cfg.Email.SMTP.TLS,
			FromAddress:   cfg.Email.SenderEmail,
			FromName:      cfg.Email.SenderName,
			RetryAttempts: cfg.Email.RetryAttempts,
			RetryDelay:    cfg.Email.RetryDelay,
			SecretKey:     cfg.Email.SecretKey,
		})
	}

	dispatcher := email.NewDispatcher(transport, repo, int64(cfg.Sweep.BatchSize), cfg.Email.RateLimitPerSecond)

	enricher := enrich.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout, cfg.LLM.Enabled)

	// A configured hosted-template id switches rendering to the
	// provider-template parameter map; template sends need the provider
	// transport.
	mode := render.ModeInline
	if cfg.Email.TemplateID != "" && cfg.Email.ProviderAPIKey != "" {
		mode = render.ModeTemplateParams
	}
	renderer, err := render.New(mode, cfg.Email.AppBaseURL, cfg.Email.UnsubscribeBaseURL)
	if err != nil {
		return fmt.Errorf("failed to build renderer: %w", err)
	}

	orch := scheduler.New(scheduler.Config{
		Repo:               repo,
		Profiles:           repo,
		Assembler:          content.NewAssembler(),
		Enricher:           enricher,
		Renderer:           renderer,
		Dispatcher:         dispatcher,
		BatchSize:          cfg.Sweep.BatchSize,
		MaxConcurrent:      cfg.Sweep.BatchSize,
		MaxRetries:         cfg.Sweep.MaxRetries,
		WeekStartDay:       cfg.Sweep.WeekStartDay,
		InterBatchWait:     cfg.Sweep.InterBatchWait,
		PerUserWait:        cfg.Sweep.PerUserWait,
		DryRun:             cfg.Sweep.DryRun,
		UnsubscribeBaseURL: cfg.Email.UnsubscribeBaseURL,
		TemplateID:         cfg.Email.TemplateID,
	})

	sweeper := scheduler.NewScheduler(orch, cfg.Sweep.Schedule)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("schedule", cfg.Sweep.Schedule).Msg("Starting digest sweep scheduler")
		return sweeper.Run(gCtx)
	})

	if cfg.Telemetry.Metrics.Enabled {
		g.Go(func() error {
			log.Info().Int("port", cfg.Telemetry.Metrics.Port).Msg("Starting metrics server")
			return telemetry.RunMetricsServer(gCtx, cfg.Telemetry.Metrics.Port)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("component error: %w", err)
	}

	return nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	if os.Getenv("DIGEST_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func handleShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()
}
