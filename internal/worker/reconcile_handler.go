package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"listing-curator/internal/curation"
	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/status"
	"listing-curator/internal/store"
)

// TaskRepository is what a reconcile job needs inside its transaction.
type TaskRepository interface {
	reconcile.Repository
	LockTask(ctx context.Context, id int64) (models.Task, error)
}

// TaskTransactor opens the transaction a reconcile job runs in.
type TaskTransactor interface {
	InTx(ctx context.Context, fn func(TaskRepository) error) error
}

// PostgresTaskTransactor runs reconcile jobs on a Postgres store.
type PostgresTaskTransactor struct {
	Store *store.Store
}

func (p PostgresTaskTransactor) InTx(ctx context.Context, fn func(TaskRepository) error) error {
	return p.Store.InTx(ctx, func(tx *store.Tx) error { return fn(tx) })
}

// ReconcileHandler re-derives a task's status outside any business write,
// e.g. on operator request.
type ReconcileHandler struct {
	tx         TaskTransactor
	reconciler *reconcile.Reconciler
	notifier   curation.Notifier
	logger     *slog.Logger
}

func NewReconcileHandler(tx TaskTransactor, rec *reconcile.Reconciler, notifier curation.Notifier, logger *slog.Logger) *ReconcileHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ReconcileHandler{tx: tx, reconciler: rec, notifier: notifier, logger: logger}
}

// Handle locks the task row and reconciles it in force mode. Deleted and
// missing tasks complete without error so the job is not retried.
func (h *ReconcileHandler) Handle(ctx context.Context, job models.Job) error {
	taskID, ok := payloadInt64(job.Payload, "task_id")
	if !ok || taskID <= 0 {
		return fmt.Errorf("payload task_id is required")
	}

	var res reconcile.Result
	var completed *models.Task
	err := h.tx.InTx(ctx, func(repo TaskRepository) error {
		task, err := repo.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.IsDeleted {
			return fmt.Errorf("task %d: %w", taskID, store.ErrNotFound)
		}
		res, err = h.reconciler.Reconcile(ctx, repo, taskID, reconcile.ModeForce)
		if err != nil {
			return err
		}
		if res.Updated && status.IsDone(res.Status) {
			t, err := repo.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			completed = &t
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("reconcile job skipped: task not found", "task_id", taskID, "job_id", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile task %d: %w", taskID, err)
	}

	h.logger.Info("reconcile job finished", "task_id", taskID, "status", res.Status, "updated", res.Updated)
	if completed != nil && h.notifier != nil {
		if err := h.notifier.TaskDone(ctx, curation.CompletionOf(*completed)); err != nil {
			h.logger.Error("task completion notification failed", "task_id", taskID, "err", err)
		}
	}
	return nil
}
