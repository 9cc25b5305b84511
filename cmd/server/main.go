// Package main is the entrypoint for the Swush pipeline server.
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

	"github.com/imthatdev/swush/internal/api"
	"github.com/imthatdev/swush/internal/api/handler"
	mw "github.com/imthatdev/swush/internal/api/middleware"
	"github.com/imthatdev/swush/internal/api/response"
	"github.com/imthatdev/swush/internal/cache"
	"github.com/imthatdev/swush/internal/config"
	"github.com/imthatdev/swush/internal/media"
	"github.com/imthatdev/swush/internal/pipeline"
	"github.com/imthatdev/swush/internal/storage"
	"github.com/imthatdev/swush/internal/store"
	"github.com/imthatdev/swush/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create object storage gateway
	gateway, err := storage.NewS3Gateway(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create storage gateway: %w", err)
	}
	slog.Info("storage gateway initialized", "bucket", cfg.Storage.Bucket)

	// 6. Create store and pipelines
	pgStore := store.NewPostgresStore(pool)

	ffmpeg := media.NewFFmpeg(cfg.Pipeline.FFmpegPath, cfg.Pipeline.FFmpegTimeout)
	ffprobe := media.NewFFprobe(cfg.Pipeline.FFprobePath, cfg.Pipeline.FFmpegTimeout)
	processors := map[string]pipeline.Processor{
		models.KindTransform: media.NewTransformProcessor(gateway, ffmpeg),
		models.KindPreview:   media.NewPreviewProcessor(gateway, ffmpeg, ffprobe),
		models.KindStream:    media.NewStreamProcessor(gateway, ffmpeg),
		models.KindAudioTag:  media.NewTagProcessor(gateway),
		models.KindCleanup:   media.NewCleanupProcessor(gateway),
	}

	pipelines, err := pipeline.NewSet(pgStore, processors, pipeline.Options{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff: pipeline.ExponentialBackoff{
			Initial: cfg.Pipeline.RetryBackoff,
			Max:     cfg.Pipeline.RetryBackoffMax,
		},
		ClaimLease:  cfg.Pipeline.ClaimLease,
		StatusCache: redisCache,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("build pipelines: %w", err)
	}

	// 7. Periodic reconciliation of stranded processing rows
	go reconcileLoop(ctx, pipelines, cfg.Pipeline.ReconcileEvery)

	// 8. Build router with dependencies
	auth := mw.NewTriggerAuth(cfg.Trigger.Token)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Trigger.RequestsPerMin)

	deps := api.Dependencies{
		Log:       slog.Default(),
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),
		TriggerHandler: handler.NewTriggerHandler(pipelines, handler.TriggerLimits{
			MaxBatch:    cfg.Trigger.MaxBatchLimit,
			MaxBackfill: cfg.Trigger.MaxBackfill,
		}),
		ListJobsHandler:  handler.NewListJobsHandler(pgStore),
		JobStatusHandler: handler.NewJobStatusHandler(redisCache, pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// reconcileLoop periodically re-queues processing rows whose claim outlived
// the lease. The re-queued rows are drained by the next sweep.
func reconcileLoop(ctx context.Context, pipelines *pipeline.Set, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pipelines.Reconcile(ctx)
		}
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
