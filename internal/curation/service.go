// Package curation applies curator actions on tasks and businesses. Every
// business write and the reconciliation of its task share one transaction.
package curation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/status"
	"listing-curator/internal/store"
	"listing-curator/internal/telemetry"
)

// TaskReconciler is satisfied by *reconcile.Reconciler.
type TaskReconciler interface {
	Reconcile(ctx context.Context, repo reconcile.Repository, taskID int64, mode reconcile.Mode) (reconcile.Result, error)
}

// Service exposes task and business operations.
type Service struct {
	tx         Transactor
	reconciler TaskReconciler
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a service. notifier and logger may be nil.
func New(tx Transactor, rec TaskReconciler, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{tx: tx, reconciler: rec, notifier: notifier, logger: logger, now: time.Now}
}

// BusinessChange is the outcome of a single business mutation.
type BusinessChange struct {
	Business  models.Business       `json:"business"`
	OldStatus models.BusinessStatus `json:"old_status,omitempty"`
	// Task is nil when reconciling the owning task failed.
	Task *reconcile.Result `json:"task,omitempty"`
}

// BusinessPatch holds the editable business fields. Nil fields are left as is.
type BusinessPatch struct {
	Title         *string                `json:"title"`
	Address       *string                `json:"address"`
	Rating        *float64               `json:"rating"`
	Description   *string                `json:"description"`
	DescriptionEN *string                `json:"description_en"`
	DescriptionES *string                `json:"description_es"`
	DescriptionFR *string                `json:"description_fr"`
	ThumbnailURL  *string                `json:"thumbnail_url"`
	Status        *models.BusinessStatus `json:"status"`
}

func (p BusinessPatch) apply(b *models.Business) {
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setString(&b.Title, p.Title)
	setString(&b.Address, p.Address)
	setString(&b.Description, p.Description)
	setString(&b.DescriptionEN, p.DescriptionEN)
	setString(&b.DescriptionES, p.DescriptionES)
	setString(&b.DescriptionFR, p.DescriptionFR)
	setString(&b.ThumbnailURL, p.ThumbnailURL)
	if p.Rating != nil {
		r := *p.Rating
		b.Rating = &r
	}
	if p.Status != nil {
		b.Status = *p.Status
	}
}

// CreateTask inserts a task. Tasks start without businesses and are not
// reconciled until the first business arrives.
func (s *Service) CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error) {
	if p.Status != "" && !p.Status.Valid() {
		return models.Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}
	var task models.Task
	err := s.tx.InTx(ctx, func(repo Repository) error {
		var err error
		task, err = repo.CreateTask(ctx, p)
		return err
	})
	return task, err
}

// FailTask marks a task FAILED regardless of its businesses, e.g. when
// gathering aborted.
func (s *Service) FailTask(ctx context.Context, id int64, reason string) (models.Task, error) {
	var task models.Task
	err := s.tx.InTx(ctx, func(repo Repository) error {
		current, err := liveTask(ctx, repo, id)
		if err != nil {
			return err
		}
		if current.Status != models.TaskFailed {
			action := status.CompletedAtFor(current.Status, models.TaskFailed)
			if err := repo.ForceTaskStatus(ctx, id, models.TaskFailed, action, s.now()); err != nil {
				return err
			}
			if err := repo.AppendTaskLog(ctx, id, "ERROR", "task failed: "+reason, map[string]any{
				"from":   string(current.Status),
				"to":     string(models.TaskFailed),
				"reason": reason,
			}); err != nil {
				return err
			}
		}
		task, err = repo.GetTask(ctx, id)
		return err
	})
	if err == nil {
		s.logger.Warn("task failed", "task_id", id, "reason", reason)
	}
	return task, err
}

// DeleteTask soft-deletes a task together with its businesses.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	return s.tx.InTx(ctx, func(repo Repository) error {
		if _, err := liveTask(ctx, repo, id); err != nil {
			return err
		}
		return repo.SetTaskDeleted(ctx, id, true)
	})
}

// RestoreTask undoes DeleteTask and reconciles the task against the restored
// businesses. Businesses deleted on their own before the task stay deleted.
// A task that is not deleted is reported as ErrNotFound.
func (s *Service) RestoreTask(ctx context.Context, id int64) (reconcile.Result, error) {
	var res reconcile.Result
	var done []Completion
	err := s.tx.InTx(ctx, func(repo Repository) error {
		t, err := repo.LockTask(ctx, id)
		if err != nil {
			return err
		}
		if !t.IsDeleted {
			return fmt.Errorf("deleted task %d: %w", id, store.ErrNotFound)
		}
		if err := repo.SetTaskDeleted(ctx, id, false); err != nil {
			return err
		}
		res, _ = s.reconcileTask(ctx, repo, id, &done)
		return nil
	})
	if err != nil {
		return reconcile.Result{}, err
	}
	s.notify(ctx, done)
	return res, nil
}

// CreateBusiness adds a business to a live task.
func (s *Service) CreateBusiness(ctx context.Context, b models.Business) (BusinessChange, error) {
	if b.Status == "" {
		b.Status = models.BusinessPending
	}
	if !b.Status.Valid() {
		return BusinessChange{}, fmt.Errorf("%w: %q", ErrInvalidStatus, b.Status)
	}
	return s.mutate(ctx, func(repo Repository) (models.Business, models.BusinessStatus, error) {
		if _, err := liveTask(ctx, repo, b.TaskID); err != nil {
			return models.Business{}, "", err
		}
		s.guard(&b)
		created, err := repo.CreateBusiness(ctx, b)
		return created, "", err
	})
}

// UpdateBusiness applies a patch to a business.
func (s *Service) UpdateBusiness(ctx context.Context, id int64, patch BusinessPatch) (BusinessChange, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return BusinessChange{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
	}
	return s.mutate(ctx, func(repo Repository) (models.Business, models.BusinessStatus, error) {
		b, err := liveBusiness(ctx, repo, id)
		if err != nil {
			return models.Business{}, "", err
		}
		old := b.Status
		patch.apply(&b)
		s.guard(&b)
		if err := repo.UpdateBusiness(ctx, b); err != nil {
			return models.Business{}, "", err
		}
		return b, old, nil
	})
}

// SetBusinessStatus moves a business to target after CheckStatusChange. When
// the check fails for a business that is IN_PRODUCTION, the business is moved
// to PENDING and the returned error reports the demotion.
func (s *Service) SetBusinessStatus(ctx context.Context, id int64, target models.BusinessStatus) (BusinessChange, error) {
	if !target.Valid() {
		return BusinessChange{}, fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}
	var rejected error
	change, err := s.mutate(ctx, func(repo Repository) (models.Business, models.BusinessStatus, error) {
		b, err := liveBusiness(ctx, repo, id)
		if err != nil {
			return models.Business{}, "", err
		}
		old := b.Status
		if checkErr := CheckStatusChange(b, target); checkErr != nil {
			var missing *MissingContentError
			if !errors.As(checkErr, &missing) || b.Status != models.BusinessInProduction {
				return models.Business{}, "", checkErr
			}
			missing.Demoted = true
			rejected = missing
			target = models.BusinessPending
		}
		if err := repo.SetBusinessStatus(ctx, id, target); err != nil {
			return models.Business{}, "", err
		}
		b.Status = target
		return b, old, nil
	})
	if err != nil {
		return BusinessChange{}, err
	}
	return change, rejected
}

// DeleteBusiness soft-deletes a business; it stops counting for its task.
func (s *Service) DeleteBusiness(ctx context.Context, id int64) (BusinessChange, error) {
	return s.setDeleted(ctx, id, true)
}

// RestoreBusiness undoes DeleteBusiness.
func (s *Service) RestoreBusiness(ctx context.Context, id int64) (BusinessChange, error) {
	return s.setDeleted(ctx, id, false)
}

func (s *Service) setDeleted(ctx context.Context, id int64, deleted bool) (BusinessChange, error) {
	return s.mutate(ctx, func(repo Repository) (models.Business, models.BusinessStatus, error) {
		b, err := repo.LockBusiness(ctx, id)
		if err != nil {
			return models.Business{}, "", err
		}
		// Businesses of a deleted task come back only through RestoreTask.
		if _, err := liveTask(ctx, repo, b.TaskID); err != nil {
			return models.Business{}, "", err
		}
		if b.IsDeleted == deleted {
			return b, "", nil
		}
		if err := repo.SetBusinessDeleted(ctx, id, deleted); err != nil {
			return models.Business{}, "", err
		}
		b.IsDeleted = deleted
		return b, "", nil
	})
}

// mutate runs write and then reconciles the business's task in the same
// transaction. A reconcile failure is rolled back to a savepoint and logged;
// the business write still commits.
func (s *Service) mutate(ctx context.Context, write func(Repository) (models.Business, models.BusinessStatus, error)) (BusinessChange, error) {
	var change BusinessChange
	var done []Completion
	err := s.tx.InTx(ctx, func(repo Repository) error {
		b, old, err := write(repo)
		if err != nil {
			return err
		}
		change = BusinessChange{Business: b, OldStatus: old}
		if res, err := s.reconcileTask(ctx, repo, b.TaskID, &done); err == nil {
			change.Task = &res
		}
		return nil
	})
	if err != nil {
		return BusinessChange{}, err
	}
	s.notify(ctx, done)
	return change, nil
}

// reconcileTask reconciles taskID inside a savepoint of repo. Completions that
// warrant a notification are appended to done. The error is returned for
// callers that report it but has already been logged.
func (s *Service) reconcileTask(ctx context.Context, repo Repository, taskID int64, done *[]Completion) (reconcile.Result, error) {
	var res reconcile.Result
	err := repo.Savepoint(ctx, func(sp Repository) error {
		r, err := s.reconciler.Reconcile(ctx, sp, taskID, reconcile.ModeNormal)
		if err != nil {
			return err
		}
		if r.Updated && status.IsDone(r.Status) {
			task, err := sp.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			*done = append(*done, CompletionOf(task))
		}
		res = r
		return nil
	})
	if err != nil {
		telemetry.ReconcileSwallowed.Inc()
		s.logger.Error("reconcile task failed", "task_id", taskID, "err", err)
		return reconcile.Result{}, err
	}
	return res, nil
}

func (s *Service) notify(ctx context.Context, done []Completion) {
	if s.notifier == nil {
		return
	}
	for _, c := range done {
		if err := s.notifier.TaskDone(ctx, c); err != nil {
			telemetry.NotifyFailures.Inc()
			s.logger.Error("task completion notification failed", "task_id", c.TaskID, "status", c.Status, "err", err)
			continue
		}
		s.logger.Info("task completion notification queued", "task_id", c.TaskID, "status", c.Status)
	}
}

func (s *Service) guard(b *models.Business) {
	requested := b.Status
	if guardDescription(b) {
		s.logger.Info("business moved to pending: missing original description",
			"business_id", b.ID, "requested_status", requested)
	}
}

func liveTask(ctx context.Context, repo Repository, id int64) (models.Task, error) {
	t, err := repo.LockTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if t.IsDeleted {
		return models.Task{}, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func liveBusiness(ctx context.Context, repo Repository, id int64) (models.Business, error) {
	b, err := repo.LockBusiness(ctx, id)
	if err != nil {
		return models.Business{}, err
	}
	if b.IsDeleted {
		return models.Business{}, fmt.Errorf("business %d: %w", id, store.ErrNotFound)
	}
	return b, nil
}
