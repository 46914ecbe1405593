// Package main runs the flight deal tracker: a Telegram bot, scheduled price
// alerts and daily digests backed by the Aviasales offers API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/option"

	"github.com/Pursuit2703/aviasales-tracker/alerts"
	"github.com/Pursuit2703/aviasales-tracker/bot"
	"github.com/Pursuit2703/aviasales-tracker/cache"
	"github.com/Pursuit2703/aviasales-tracker/config"
	"github.com/Pursuit2703/aviasales-tracker/digest"
	"github.com/Pursuit2703/aviasales-tracker/fetcher"
	"github.com/Pursuit2703/aviasales-tracker/format"
	"github.com/Pursuit2703/aviasales-tracker/observability"
	"github.com/Pursuit2703/aviasales-tracker/scheduler"
	"github.com/Pursuit2703/aviasales-tracker/server"
	"github.com/Pursuit2703/aviasales-tracker/storage"
	"github.com/Pursuit2703/aviasales-tracker/telegram"
)

const (
	metricsNamespace = "aviasales_tracker"
	runLockKey       = "alerts:run-lock"
	runLockTTL       = 10 * time.Minute
)

// transport is everything the service needs from the chat API.
type transport interface {
	bot.Messenger
	bot.UpdateSource
	Send(ctx context.Context, chatID int64, text string) error
}

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Tracker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Tracker stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(metricsNamespace, reg)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	kv, locker, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	tg := newTransport(cfg, logger)
	fetch := fetcher.New(&http.Client{Timeout: 30 * time.Second}, logger,
		fetcher.WithEndpoint(cfg.APIURL),
		fetcher.WithAttemptTimeout(cfg.FetchTimeout),
	)
	renderer := format.New("")
	query := cfg.Query()

	runner := alerts.New(&alerts.Config{
		Store:    store,
		Fetcher:  fetch,
		Sender:   tg,
		Renderer: renderer,
		Locker:   locker,
		Metrics:  metrics,
		Logger:   logger,
		Query:    query,
		Locale:   cfg.Locale,
	})
	digests := digest.New(&digest.Config{
		Store:    store,
		Fetcher:  fetch,
		Renderer: renderer,
		Sender:   tg,
		Metrics:  metrics,
		Logger:   logger,
		Location: cfg.Location,
		Query:    query,
		Locale:   cfg.Locale,
	})
	handler := bot.New(&bot.Config{
		Messenger:     tg,
		Store:         store,
		Fetcher:       fetch,
		Renderer:      renderer,
		Cache:         kv,
		Metrics:       metrics,
		Logger:        logger,
		Query:         query,
		Locale:        cfg.Locale,
		DefaultOrigin: cfg.DefaultOrigin,
	})

	if err := handler.RegisterCommands(ctx); err != nil {
		logger.Warn("Failed to register bot commands", "error", err)
	}

	sched := scheduler.New(&scheduler.Config{
		Alerts:        runner,
		Digest:        digests,
		Logger:        logger,
		Location:      cfg.Location,
		AlertInterval: cfg.AlertInterval,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { <-sched.Stop().Done() }()

	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		if err := handler.Run(ctx, tg); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Bot polling stopped", "error", err)
		}
	}()

	srv := server.New(&server.Config{
		Poller:  runner,
		Metrics: observability.Handler(reg),
		Logger:  logger,
	})
	err = srv.ListenAndServe(ctx, cfg.Port)
	cancel()
	<-botDone
	return err
}

// openStore picks PostgreSQL, then a GCS bucket, then a local directory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("Using PostgreSQL store")
		return pg, pg.Close, nil
	}

	// Local development mode
	if cfg.LocalStorage != "" {
		if err := os.MkdirAll(cfg.LocalStorage, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		return storage.NewBucket(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}

	client, err := newStorageClient(ctx, cfg.CredentialsJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	logger.Info("Using Cloud Storage bucket", "bucket", cfg.Bucket)
	return storage.NewBucket(client, cfg.Bucket, "", logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}, nil
}

func newStorageClient(ctx context.Context, credsJSON string) (*gcs.Client, error) {
	// Explicit credentials first, otherwise Application Default Credentials
	if credsJSON != "" {
		return gcs.NewClient(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	return gcs.NewClient(ctx)
}

// openCache returns Redis-backed sessions and run lock when REDIS_URL is set,
// in-process ones otherwise.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Cache, alerts.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("No REDIS_URL set, using in-memory cache")
		return cache.NewMemory(), &alerts.LocalLocker{}, func() {}, nil
	}

	rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("Using Redis cache")
	return cache.NewRedis(rdb, "tracker:"), cache.NewRedisLocker(rdb, runLockKey, runLockTTL), func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
	}, nil
}

func newTransport(cfg *config.Config, logger *slog.Logger) transport {
	if cfg.TelegramToken == "" {
		logger.Info("Mock Telegram mode enabled (no TELEGRAM_TOKEN)")
		return telegram.NewMock(logger)
	}
	return telegram.New(cfg.TelegramToken, logger)
}
