package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/enrichwatch/internal/adapter/hook"
	httpAdapter "github.com/cwygoda/enrichwatch/internal/adapter/http"
	"github.com/cwygoda/enrichwatch/internal/adapter/memory"
	redisstore "github.com/cwygoda/enrichwatch/internal/adapter/redis"
	"github.com/cwygoda/enrichwatch/internal/adapter/restapi"
	"github.com/cwygoda/enrichwatch/internal/adapter/sqlite"
	"github.com/cwygoda/enrichwatch/internal/config"
	"github.com/cwygoda/enrichwatch/internal/domain"
	"github.com/cwygoda/enrichwatch/internal/monitoring"
	"github.com/cwygoda/enrichwatch/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrichwatch: %v\n", err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrichwatch: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("enrichwatch failed")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"api":     cfg.APIBaseURL,
		"storage": cfg.Storage,
		"listen":  cfg.ListenAddr,
	}).Info("Starting enrichwatch")

	if cfg.Tracing {
		tp, err := monitoring.InitTracing("enrichwatch", os.Stderr)
		if err != nil {
			return err
		}
		defer monitoring.ShutdownTracing(tp, logger)
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := restapi.New(restapi.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
		Timeout: cfg.RequestTimeout,
		RPS:     cfg.RequestsPerSecond,
		Burst:   cfg.RequestBurst,
	}, logger)
	if err != nil {
		return err
	}

	// Graceful shutdown setup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	scheduler := worker.NewRetryScheduler(
		client,
		domain.NewLedgerService(store),
		domain.NewPolicyService(store),
		logger,
		worker.RetryOptions{Interval: cfg.RetryInterval, PageSize: cfg.FailedPageSize},
	)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start retry scheduler: %w", err)
	}
	defer scheduler.Stop()

	// Initial snapshot so /status has data before the first cycle
	if _, _, err := scheduler.LoadSnapshot(ctx); err != nil {
		logger.WithError(err).Warn("Initial snapshot failed")
	}

	hooks, err := hook.FromConfig(cfg.Hooks, logger)
	if err != nil {
		return fmt.Errorf("load hooks: %w", err)
	}

	watcher := worker.NewWatcher(ctx, client, logger, worker.WatchOptions{
		Interval:      cfg.JobPollInterval,
		MaxJobs:       cfg.MaxWatchedJobs,
		NotFoundLimit: cfg.NotFoundLimit,
	})
	defer watcher.Close()
	if len(hooks.Hooks()) > 0 {
		watcher.OnFinish(func(job domain.Job) { hooks.Fire(ctx, &job) })
	}
	for _, id := range cfg.WatchJobs {
		if _, err := watcher.Watch(id); err != nil {
			logger.WithError(err).WithField("job_id", id).Warn("Cannot watch job")
		}
	}

	list := worker.StartListPoller(ctx, client, cfg.ListPollInterval, logger, nil)
	defer list.Stop()

	srv := httpAdapter.NewServer(scheduler, watcher, list, httpAdapter.Options{
		Addr:                cfg.ListenAddr,
		Secret:              cfg.ControlSecret,
		ThroughputPerMinute: cfg.ThroughputPerMinute,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown error")
	}

	logger.Info("Shutdown complete")
	return nil
}

// openStore opens the configured state backend and returns its closer.
func openStore(cfg *config.Config, logger *logrus.Logger) (domain.KVStore, func(), error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		repo, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		logger.WithField("path", cfg.DBPath).Info("Using SQLite state")
		return repo, func() { repo.Close() }, nil

	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		store := redisstore.New(client, cfg.RedisPrefix)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		logger.WithField("addr", cfg.RedisAddr).Info("Using Redis state")
		return store, func() { client.Close() }, nil

	case config.StorageMemory:
		logger.Warn("Using in-memory state, retry history is lost on exit")
		return memory.New(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}
