// Package reconcile derives a task's persisted status from its businesses.
//
// Every entry point (business triggers, the bulk endpoint, background jobs and
// the batch recompute command) calls Reconciler.Reconcile; none of them
// evaluates status rules on its own.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/status"
	"listing-curator/internal/telemetry"
)

// Repository is the storage the reconciler reads and writes. Pass a
// transaction-scoped implementation to make reconciliation part of the
// caller's unit of work.
type Repository interface {
	GetTask(ctx context.Context, id int64) (models.Task, error)
	BusinessStatusCounts(ctx context.Context, taskID int64) (status.Counts, error)
	SaveTask(ctx context.Context, task models.Task) error
	ForceTaskStatus(ctx context.Context, id int64, st models.TaskStatus, action status.CompletedAtAction, now time.Time) error
	AppendTaskLog(ctx context.Context, taskID int64, level, message string, metadata map[string]any) error
}

// Mode selects how a status change is written.
type Mode int

const (
	// ModeNormal loads the task, mutates it and saves it back.
	ModeNormal Mode = iota
	// ModeForce writes the status columns directly. Used by batch paths.
	ModeForce
)

func (m Mode) String() string {
	if m == ModeForce {
		return "force"
	}
	return "normal"
}

// Result describes one reconciliation.
type Result struct {
	TaskID      int64             `json:"task_id"`
	Previous    models.TaskStatus `json:"previous_status"`
	Status      models.TaskStatus `json:"status"`
	Updated     bool              `json:"was_updated"`
	Counts      status.Counts     `json:"counts"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Reconciler is stateless apart from its logger and clock and is safe for
// concurrent use.
type Reconciler struct {
	logger *slog.Logger
	now    func() time.Time
}

// New builds a reconciler. A nil logger discards output.
func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	cp := *r
	cp.now = now
	return &cp
}

// Reconcile recomputes the status of taskID from its businesses and persists
// it when it changed. Calling it again without business changes returns
// Updated=false.
func (r *Reconciler) Reconcile(ctx context.Context, repo Repository, taskID int64, mode Mode) (Result, error) {
	res, err := r.reconcile(ctx, repo, taskID, mode)
	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "error"
	case res.Updated:
		outcome = "updated"
	}
	telemetry.Reconciliations.WithLabelValues(mode.String(), outcome).Inc()
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, repo Repository, taskID int64, mode Mode) (Result, error) {
	// Always start from the persisted row, never from a caller's copy.
	task, err := repo.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("load task: %w", err)
	}
	counts, err := repo.BusinessStatusCounts(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("count businesses: %w", err)
	}

	target := status.Derive(counts)
	res := Result{
		TaskID:      task.ID,
		Previous:    task.Status,
		Status:      target,
		Counts:      counts,
		CompletedAt: task.CompletedAt,
	}

	r.logger.Info("task counts",
		"task_id", task.ID,
		"total", counts.Total(),
		"active", counts.Active(),
		"pending", counts.Pending,
		"reviewed", counts.Reviewed,
		"in_production", counts.InProduction,
		"discarded", counts.Discarded,
	)

	if target == task.Status {
		return res, nil
	}

	now := r.now()
	action := status.CompletedAtFor(task.Status, target)
	switch mode {
	case ModeForce:
		if err := repo.ForceTaskStatus(ctx, task.ID, target, action, now); err != nil {
			return Result{}, err
		}
		res.CompletedAt = action.Apply(task.CompletedAt, now)
	default:
		task.Status = target
		task.CompletedAt = action.Apply(task.CompletedAt, now)
		if err := repo.SaveTask(ctx, task); err != nil {
			return Result{}, err
		}
		res.CompletedAt = task.CompletedAt
	}

	msg := fmt.Sprintf("status %s -> %s", res.Previous, target)
	if err := repo.AppendTaskLog(ctx, task.ID, "INFO", msg, map[string]any{
		"from":          string(res.Previous),
		"to":            string(target),
		"mode":          mode.String(),
		"pending":       counts.Pending,
		"reviewed":      counts.Reviewed,
		"in_production": counts.InProduction,
		"discarded":     counts.Discarded,
	}); err != nil {
		return Result{}, err
	}

	res.Updated = true
	telemetry.TaskTransitions.WithLabelValues(string(target)).Inc()
	r.logger.Info("task status changed", "task_id", task.ID, "from", res.Previous, "to", target, "mode", mode.String())
	return res, nil
}
