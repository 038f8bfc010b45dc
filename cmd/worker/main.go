package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"listing-curator/internal/config"
	"listing-curator/internal/curation"
	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/queue"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/store"
	"listing-curator/internal/telemetry"
	workerproc "listing-curator/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	q := queue.NewRedisQueue(cfg)

	// Worker ID comes from WORKER_ID, then the hostname, then the pid.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, st, workerID, logger)

	reconciler := reconcile.New(logger.With("component", "reconcile"))
	notifier := curation.NewQueueNotifier(st, q, cfg.IdempotencyTTL, cfg.MaxAttempts)
	reconcileHandler := workerproc.NewReconcileHandler(workerproc.PostgresTaskTransactor{Store: st}, reconciler, notifier, logger.With("component", "reconcile_job"))
	processor.RegisterHandler(models.JobReconcileTask, reconcileHandler.Handle)

	notifyHandler := workerproc.NewNotifyHandler(workerproc.NewSMTPSender(cfg), cfg.SMTPFrom, cfg.NotifyRecipients, logger.With("component", "notify"))
	processor.RegisterHandler(models.JobNotifyTaskDone, notifyHandler.Handle)

	thumbnails, err := workerproc.NewThumbnailHandler(ctx, cfg, st, logger.With("component", "thumbnail"))
	if err != nil {
		logger.Error("init thumbnail handler", "err", err)
		os.Exit(1)
	}
	processor.RegisterHandler(models.JobBusinessThumbnail, thumbnails.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"notify_recipients", len(cfg.NotifyRecipients),
	)
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
