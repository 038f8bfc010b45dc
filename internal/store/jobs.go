package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"listing-curator/internal/models"
)

// CreateJobParams describes a background job to persist.
type CreateJobParams struct {
	Type           string
	Priority       string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

const jobColumns = `id, type, priority, payload, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, worker_id, created_at, updated_at`

// errKeyTaken aborts the insert transaction when another job already holds
// the idempotency key.
var errKeyTaken = errors.New("idempotency key taken")

// CreateJob persists a queued job. When IdempotencyKey is set and a live job
// already owns it, that job is returned with reused=true and nothing is
// inserted. Expired keys are released first.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now()
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	var job models.Job
	err = s.InTx(ctx, func(tx *Tx) error {
		var err error
		if p.IdempotencyKey != "" {
			if _, err := tx.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= NOW()`, p.IdempotencyKey); err != nil {
				return fmt.Errorf("release expired key: %w", err)
			}
		}
		job, err = scanJob(tx.db.QueryRow(ctx, `
			INSERT INTO jobs (id, type, priority, payload, status, max_attempts, next_run_at, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+jobColumns,
			uuid.NewString(), p.Type, p.Priority, payload, models.StatusQueued, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey)))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if p.IdempotencyKey == "" {
			return nil
		}
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			e := time.Now().Add(p.IdempotencyTTL)
			expires = &e
		}
		tag, err := tx.db.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING`, p.IdempotencyKey, job.ID, expires)
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errKeyTaken
		}
		return nil
	})
	if errors.Is(err, errKeyTaken) {
		existing, err := s.jobByKey(ctx, p.IdempotencyKey)
		return existing, err == nil, err
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, false, nil
}

func (q queries) jobByKey(ctx context.Context, key string) (models.Job, error) {
	job, err := scanJob(q.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE id = (SELECT job_id FROM idempotency_keys WHERE key = $1)`, key))
	if err != nil {
		return models.Job{}, notFound("job for key", key, err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (q queries) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return models.Job{}, notFound("job", id, err)
	}
	return job, nil
}

// ClaimJob moves a leased job to in_progress under workerID and returns it.
// Jobs that were cancelled or already finished are not claimed and come back
// as ErrNotFound.
func (q queries) ClaimJob(ctx context.Context, id, workerID string) (models.Job, error) {
	job, err := scanJob(q.db.QueryRow(ctx, `
		UPDATE jobs SET status = $2, worker_id = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $2)
		RETURNING `+jobColumns, id, models.StatusInProgress, workerID, models.StatusQueued))
	if err != nil {
		return models.Job{}, notFound("claimable job", id, err)
	}
	return job, nil
}

// CompleteJob marks a job succeeded.
func (q queries) CompleteJob(ctx context.Context, id string) error {
	return q.SetJobStatus(ctx, id, models.StatusSucceeded, "")
}

// RetryJob records a failed attempt. The job goes back to queued for nextRun,
// or to dead_lettered when dead is set.
func (q queries) RetryJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string, dead bool) error {
	st := models.StatusQueued
	if dead {
		st = models.StatusDeadLetter
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1`, id, st, attempts, nextRun, lastErr)
	if err != nil {
		return fmt.Errorf("record attempt for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueJob returns a job whose lease expired to queued. Jobs no longer in
// progress are left untouched.
func (q queries) RequeueJob(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = $2, next_run_at = NOW(), worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3`, id, models.StatusQueued, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// SetJobStatus overwrites a job's status. An empty lastErr clears last_error.
func (q queries) SetJobStatus(ctx context.Context, id, status, lastErr string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1`, id, status, lastErr)
	if err != nil {
		return fmt.Errorf("set job %s %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendAudit records a lifecycle event for a job.
func (q queries) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := q.db.Exec(ctx, `INSERT INTO job_audit (job_id, event, detail) VALUES ($1, $2, $3)`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("audit job %s: %w", jobID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job      models.Job
		payload  []byte
		lastErr  pgtype.Text
		key      pgtype.Text
		workerID pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Type, &job.Priority, &payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.NextRunAt, &lastErr, &key, &workerID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("decode payload of job %s: %w", job.ID, err)
		}
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(key)
	job.WorkerID = textPtr(workerID)
	return job, nil
}
