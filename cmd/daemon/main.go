// SPDX-License-Identifier: MIT

// The daemon wires the dependency graph explicitly and runs the HTTP
// surface plus the processing worker pool until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Alexi5000/videoforge/internal/api"
	"github.com/Alexi5000/videoforge/internal/cache"
	"github.com/Alexi5000/videoforge/internal/config"
	"github.com/Alexi5000/videoforge/internal/integrity"
	vflog "github.com/Alexi5000/videoforge/internal/log"
	"github.com/Alexi5000/videoforge/internal/persist"
	"github.com/Alexi5000/videoforge/internal/pipeline"
	"github.com/Alexi5000/videoforge/internal/queue"
	"github.com/Alexi5000/videoforge/internal/store"
	"github.com/Alexi5000/videoforge/internal/tools"
)

var (
	version   = "1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("videoforge %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	vflog.Configure(vflog.Config{Level: cfg.LogLevel, Service: "videoforge"})
	logger := vflog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("daemon stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	st, err := store.Open(store.Config{
		Path:            cfg.DBPath,
		PoolSize:        cfg.PoolSize,
		CheckoutTimeout: cfg.CheckoutTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
	}()
	if err := st.InitSchema(ctx); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	var l2 *cache.Redis
	if cfg.RedisAddr != "" {
		l2, err = cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, vflog.WithComponent("cache"))
		if err != nil {
			// The L2 tier is an accelerator; start without it.
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, L2 tier disabled")
			l2 = nil
		} else {
			defer func() { _ = l2.Close() }()
		}
	}
	tiered := cache.NewTiered(cache.Config{
		L1Capacity: cfg.L1Capacity,
		DefaultTTL: cfg.CacheTTL,
	}, l2, vflog.WithComponent("cache"))

	persistSvc := persist.New(st, tiered)

	registry := tools.NewRegistry()
	backend := tools.NewHTTPBackend(cfg.ToolBackendURL, vflog.WithComponent("backend"))
	if err := tools.RegisterBuiltin(registry, backend, st, tools.BuiltinConfig{
		FrameInterval:   cfg.FrameInterval,
		MaxFramesPerVid: cfg.MaxFramesPerVid,
	}); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}

	dispatcher := tools.NewDispatcher(registry, tiered, persistSvc, tools.DispatcherConfig{
		ToolTimeout:      cfg.ToolTimeout,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooloff:   cfg.BreakerCooloff,
	})

	processor := pipeline.New(dispatcher, st, backend)

	jobQueue := queue.New(func(ctx context.Context, job queue.Job) error {
		return processor.Process(ctx, job.VideoID, job.VideoPath)
	}, cfg.Workers)

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      st,
		Cache:      tiered,
		Registry:   registry,
		Dispatcher: dispatcher,
		Persist:    persistSvc,
		Processor:  processor,
		Queue:      jobQueue,
		Checker:    integrity.NewChecker(st),
		Reconciler: integrity.NewReconciler(st, integrity.ReconcilerConfig{}),
		Redriver:   integrity.NewRedriver(st, persistSvc, cfg.DeadLetterMaxAttempts),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	logger.Info().
		Str("addr", cfg.Addr()).
		Int("workers", cfg.Workers).
		Str("version", version).
		Msg("daemon started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Stop intake first so the queue drains, then the listener.
	if err := jobQueue.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("queue shutdown incomplete")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
