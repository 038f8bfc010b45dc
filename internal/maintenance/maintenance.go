// Package maintenance holds the administrative batch operations run by
// curatorctl.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/store"
)

// ErrVerificationFailed aborts a recalculation whose FAILED tally disagrees
// with the database.
var ErrVerificationFailed = errors.New("verification failed")

// Repository is the transaction-scoped storage used by maintenance jobs.
type Repository interface {
	reconcile.Repository

	LockActiveTasks(ctx context.Context) ([]models.Task, error)
	CountTasksByStatus(ctx context.Context, st models.TaskStatus) (int64, error)
	TasksMissingCompletion(ctx context.Context) ([]models.Task, error)
	StampCompletion(ctx context.Context, ids []int64, at time.Time) (int64, error)
	StaleInProgress(ctx context.Context, cutoff time.Time) ([]models.Task, error)
	DeleteTaskLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Transactor opens units of work.
type Transactor interface {
	InTx(ctx context.Context, fn func(Repository) error) error
}

// PostgresTransactor runs maintenance on a Postgres store.
type PostgresTransactor struct {
	Store *store.Store
}

func (p PostgresTransactor) InTx(ctx context.Context, fn func(Repository) error) error {
	return p.Store.InTx(ctx, func(tx *store.Tx) error { return fn(tx) })
}

// Runner executes maintenance operations.
type Runner struct {
	tx         Transactor
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

func NewRunner(tx Transactor, rec *reconcile.Reconciler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{tx: tx, reconciler: rec, logger: logger, now: time.Now}
}

// Summary reports a recalculation pass.
type Summary struct {
	Total       int                       `json:"total"`
	Updated     int                       `json:"updated"`
	NewlyFailed int                       `json:"newly_failed"`
	ByStatus    map[models.TaskStatus]int `json:"by_status"`
	DBFailed    int64                     `json:"db_failed"`
}

// Recalculate reconciles every live task in force mode while holding row
// locks on all of them, then checks the FAILED tally against a direct count.
// Any error, the check included, rolls the whole pass back.
func (r *Runner) Recalculate(ctx context.Context) (Summary, error) {
	var sum Summary
	err := r.tx.InTx(ctx, func(repo Repository) error {
		sum = Summary{ByStatus: map[models.TaskStatus]int{}}
		tasks, err := repo.LockActiveTasks(ctx)
		if err != nil {
			return fmt.Errorf("lock tasks: %w", err)
		}
		sum.Total = len(tasks)
		r.logger.Info("starting status recalculation", "tasks", sum.Total)

		for _, t := range tasks {
			res, err := r.reconciler.Reconcile(ctx, repo, t.ID, reconcile.ModeForce)
			if err != nil {
				return fmt.Errorf("reconcile task %d: %w", t.ID, err)
			}
			if res.Updated {
				sum.Updated++
				if res.Status == models.TaskFailed && res.Previous != models.TaskFailed {
					sum.NewlyFailed++
				}
			}
			sum.ByStatus[res.Status]++
		}

		sum.DBFailed, err = repo.CountTasksByStatus(ctx, models.TaskFailed)
		if err != nil {
			return fmt.Errorf("count failed tasks: %w", err)
		}
		if tracked := int64(sum.ByStatus[models.TaskFailed]); sum.DBFailed != tracked {
			r.logger.Error("recalculation verification failed", "tracked_failed", tracked, "db_failed", sum.DBFailed)
			return fmt.Errorf("%w: expected %d FAILED tasks, found %d in database", ErrVerificationFailed, tracked, sum.DBFailed)
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	r.logger.Info("recalculation completed",
		"total", sum.Total,
		"updated", sum.Updated,
		"newly_failed", sum.NewlyFailed,
		"db_failed", sum.DBFailed,
	)
	return sum, nil
}

// CompletionAudit reports tasks with inconsistent completion bookkeeping.
type CompletionAudit struct {
	// Inconsistent are DONE or COMPLETED tasks without completed_at.
	Inconsistent []models.Task `json:"inconsistent"`
	Fixed        int64         `json:"fixed"`
	// Stale are IN_PROGRESS tasks created before the stale cutoff.
	Stale []models.Task `json:"stale"`
}

// AuditCompletion finds settled tasks missing completed_at and, when fix is
// set, stamps them with the current time. It also lists IN_PROGRESS tasks
// older than staleAge.
func (r *Runner) AuditCompletion(ctx context.Context, fix bool, staleAge time.Duration) (CompletionAudit, error) {
	var audit CompletionAudit
	err := r.tx.InTx(ctx, func(repo Repository) error {
		audit = CompletionAudit{}
		var err error
		audit.Inconsistent, err = repo.TasksMissingCompletion(ctx)
		if err != nil {
			return fmt.Errorf("find inconsistent tasks: %w", err)
		}
		now := r.now()
		if fix && len(audit.Inconsistent) > 0 {
			ids := make([]int64, 0, len(audit.Inconsistent))
			for _, t := range audit.Inconsistent {
				ids = append(ids, t.ID)
			}
			audit.Fixed, err = repo.StampCompletion(ctx, ids, now)
			if err != nil {
				return fmt.Errorf("stamp completion: %w", err)
			}
		}
		audit.Stale, err = repo.StaleInProgress(ctx, now.Add(-staleAge))
		if err != nil {
			return fmt.Errorf("find stale tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return CompletionAudit{}, err
	}
	r.logger.Info("completion audit",
		"inconsistent", len(audit.Inconsistent),
		"fixed", audit.Fixed,
		"stale_in_progress", len(audit.Stale),
	)
	return audit, nil
}

// CleanupTaskLogs deletes task logs older than retention and returns how many
// were removed.
func (r *Runner) CleanupTaskLogs(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}
	var n int64
	err := r.tx.InTx(ctx, func(repo Repository) error {
		var err error
		n, err = repo.DeleteTaskLogsBefore(ctx, r.now().Add(-retention))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete task logs: %w", err)
	}
	r.logger.Info("task logs cleaned up", "deleted", n, "retention", retention)
	return n, nil
}
