package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "listing-curator/internal/api"
	"listing-curator/internal/config"
	"listing-curator/internal/curation"
	"listing-curator/internal/logging"
	"listing-curator/internal/queue"
	"listing-curator/internal/ratelimit"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "err", err)
		os.Exit(1)
	}

	redisClient := queue.NewClient(cfg)
	defer redisClient.Close()
	q := queue.NewRedisQueueWithClient(redisClient, cfg)
	if err := q.Ping(ctx); err != nil {
		logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "err", err)
	}
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	reconciler := reconcile.New(logger.With("component", "reconcile"))
	notifier := curation.NewQueueNotifier(st, q, cfg.IdempotencyTTL, cfg.MaxAttempts)
	svc := curation.New(curation.PostgresTransactor{Store: st}, reconciler, notifier, logger.With("component", "curation"))

	server := api.New(cfg, svc, st, q, limiter, logger.With("component", "http"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}
