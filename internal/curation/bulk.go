package curation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"listing-curator/internal/models"
	"listing-curator/internal/store"
	"listing-curator/internal/telemetry"
)

// BulkUpdate records one business changed by BulkUpdateStatus.
type BulkUpdate struct {
	ID        int64                 `json:"id"`
	OldStatus models.BusinessStatus `json:"old_status"`
	NewStatus models.BusinessStatus `json:"new_status"`
}

// BulkResult is the outcome of BulkUpdateStatus.
type BulkResult struct {
	Success           bool         `json:"success"`
	UpdatedCount      int          `json:"updated_count"`
	UpdatedBusinesses []BulkUpdate `json:"updated_businesses"`
	AffectedTasks     []int64      `json:"affected_tasks"`
	Errors            []string     `json:"errors,omitempty"`
	PartialSuccess    bool         `json:"partial_success,omitempty"`
}

// BulkUpdateStatus moves every listed business to target in one transaction,
// then reconciles each distinct affected task once. Unknown businesses and
// per-task reconcile failures are reported in Errors rather than failing the
// whole call.
func (s *Service) BulkUpdateStatus(ctx context.Context, ids []int64, target models.BusinessStatus) (BulkResult, error) {
	if len(ids) == 0 {
		return BulkResult{}, ErrNoBusinesses
	}
	if !target.Valid() {
		return BulkResult{}, fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}

	var res BulkResult
	var done []Completion
	err := s.tx.InTx(ctx, func(repo Repository) error {
		res = BulkResult{UpdatedBusinesses: []BulkUpdate{}, AffectedTasks: []int64{}}
		done = done[:0]
		affected := map[int64]struct{}{}

		for _, id := range ids {
			var upd BulkUpdate
			var taskID int64
			err := repo.Savepoint(ctx, func(sp Repository) error {
				b, err := liveBusiness(ctx, sp, id)
				if err != nil {
					return err
				}
				upd = BulkUpdate{ID: b.ID, OldStatus: b.Status}
				b.Status = target
				s.guard(&b)
				if err := sp.SetBusinessStatus(ctx, b.ID, b.Status); err != nil {
					return err
				}
				upd.NewStatus = b.Status
				taskID = b.TaskID
				return nil
			})
			if err != nil {
				msg := fmt.Sprintf("Error updating business %d: %v", id, err)
				if errors.Is(err, store.ErrNotFound) {
					msg = fmt.Sprintf("Business %d not found", id)
				}
				res.Errors = append(res.Errors, msg)
				s.logger.Error("bulk status update failed", "business_id", id, "err", err)
				continue
			}
			res.UpdatedBusinesses = append(res.UpdatedBusinesses, upd)
			affected[taskID] = struct{}{}
			s.logger.Info("business status updated", "business_id", id, "from", upd.OldStatus, "to", upd.NewStatus)
		}

		for taskID := range affected {
			res.AffectedTasks = append(res.AffectedTasks, taskID)
		}
		sort.Slice(res.AffectedTasks, func(i, j int) bool { return res.AffectedTasks[i] < res.AffectedTasks[j] })

		for _, taskID := range res.AffectedTasks {
			if _, err := s.reconcileTask(ctx, repo, taskID, &done); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("Error updating task %d status: %v", taskID, err))
			}
		}
		return nil
	})
	if err != nil {
		return BulkResult{}, err
	}

	res.UpdatedCount = len(res.UpdatedBusinesses)
	res.Success = res.UpdatedCount > 0
	res.PartialSuccess = len(res.Errors) > 0
	telemetry.BulkUpdates.Add(float64(res.UpdatedCount))
	s.logger.Info("bulk status update completed", "updated", res.UpdatedCount, "tasks", len(res.AffectedTasks), "errors", len(res.Errors))

	s.notify(ctx, done)
	return res, nil
}
