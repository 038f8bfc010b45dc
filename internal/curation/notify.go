package curation

import (
	"context"
	"fmt"
	"time"

	"listing-curator/internal/models"
	"listing-curator/internal/store"
	"listing-curator/internal/telemetry"
)

// Completion describes a task that just reached DONE or TASK_DONE.
type Completion struct {
	TaskID          int64
	Status          models.TaskStatus
	ProjectTitle    string
	DestinationName string
	CompletedAt     time.Time
}

// CompletionOf builds a Completion from a task row.
func CompletionOf(t models.Task) Completion {
	c := Completion{
		TaskID:          t.ID,
		Status:          t.Status,
		ProjectTitle:    t.ProjectTitle,
		DestinationName: t.DestinationName,
	}
	if t.CompletedAt != nil {
		c.CompletedAt = *t.CompletedAt
	}
	return c
}

// Payload is the notify_task_done job payload.
func (c Completion) Payload() map[string]any {
	return map[string]any{
		"task_id":          c.TaskID,
		"status":           string(c.Status),
		"project_title":    c.ProjectTitle,
		"destination_name": c.DestinationName,
		"completed_at":     c.CompletedAt.UTC().Format(time.RFC3339),
	}
}

// Notifier is told about completed tasks after the transaction that completed
// them has committed. Errors are logged by the caller and otherwise ignored.
type Notifier interface {
	TaskDone(ctx context.Context, c Completion) error
}

// JobStore persists background jobs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// JobQueue makes persisted jobs visible to workers.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
}

// QueueNotifier hands completions to the worker as notify_task_done jobs.
// The idempotency key includes completed_at, so a task that regresses and
// completes again is announced again while duplicate triggers are not.
type QueueNotifier struct {
	jobs        JobStore
	queue       JobQueue
	ttl         time.Duration
	maxAttempts int
}

func NewQueueNotifier(jobs JobStore, q JobQueue, idempotencyTTL time.Duration, maxAttempts int) *QueueNotifier {
	return &QueueNotifier{jobs: jobs, queue: q, ttl: idempotencyTTL, maxAttempts: maxAttempts}
}

func (n *QueueNotifier) TaskDone(ctx context.Context, c Completion) error {
	key := fmt.Sprintf("task-done:%d:%d", c.TaskID, c.CompletedAt.Unix())
	job, reused, err := n.jobs.CreateJob(ctx, store.CreateJobParams{
		Type:           models.JobNotifyTaskDone,
		Priority:       "low",
		Payload:        c.Payload(),
		IdempotencyKey: key,
		MaxAttempts:    n.maxAttempts,
		IdempotencyTTL: n.ttl,
	})
	if err != nil {
		return fmt.Errorf("create notification job: %w", err)
	}
	if reused {
		return nil
	}
	if err := n.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		return fmt.Errorf("enqueue notification job: %w", err)
	}
	_ = n.jobs.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("task=%d status=%s", c.TaskID, c.Status))
	telemetry.EnqueueCounter.Inc()
	return nil
}
