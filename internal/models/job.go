package models

import (
	"time"
)

// JobStatus enumerates lifecycle states of background jobs persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Background job types handled by the worker.
const (
	JobReconcileTask     = "reconcile_task"
	JobNotifyTaskDone    = "notify_task_done"
	JobBusinessThumbnail = "business_thumbnail"
)

// Job represents a background job persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Priority       string         `json:"priority"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
