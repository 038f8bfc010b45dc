package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"listing-curator/internal/config"
	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/store"
	"listing-curator/internal/telemetry"
)

// JobStore is the job bookkeeping the processor needs, satisfied by *store.Store.
type JobStore interface {
	ClaimJob(ctx context.Context, id, workerID string) (models.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string, dead bool) error
	RequeueJob(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Queue is the Redis side of job delivery, satisfied by *queue.RedisQueue.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error
	DLQPush(ctx context.Context, jobID string) error
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor pulls jobs off the queue and runs the handler registered for
// their type, retrying with backoff until MaxAttempts.
type Processor struct {
	cfg      config.Config
	queue    Queue
	jobs     JobStore
	handlers map[string]Handler
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q Queue, jobs JobStore, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, jobs, "", logger)
}

// NewProcessorWithID creates a processor that stamps claimed jobs with workerID.
func NewProcessorWithID(cfg config.Config, q Queue, jobs JobStore, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logger.With("worker_id", workerID),
	}
}

// RegisterHandler binds a handler to a job type. Empty types and nil handlers
// are ignored.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run processes jobs until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker loop started", "handlers", len(p.handlers))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.maintain(ctx)

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.logger.Error("dequeue failed", "err", err)
		}
		if jobID == "" {
			p.idle(ctx)
			continue
		}
		p.process(ctx, jobID)
	}
}

// maintain promotes due retries, reclaims expired leases and refreshes the
// depth gauge.
func (p *Processor) maintain(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn("promote scheduled failed", "err", err)
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		p.logger.Warn("reclaim expired leases failed", "err", err)
	}
	if len(reclaimed) > 0 {
		p.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			if err := p.jobs.RequeueJob(ctx, id); err != nil {
				p.logger.Warn("requeue reclaimed job failed", "job_id", id, "err", err)
			}
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) idle(ctx context.Context) {
	t := time.NewTimer(p.cfg.WorkerPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one leased job to completion and settles its lease.
func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.jobs.ClaimJob(ctx, jobID, p.workerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("claim job failed, dropping lease", "job_id", jobID, "err", err)
		}
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	log := p.logger.With("job_id", job.ID, "type", job.Type)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runErr := p.runWithLease(ctx, job)
	if err := p.queue.Ack(ctx, job.ID); err != nil {
		log.Warn("ack failed", "err", err)
	}
	if runErr == nil {
		log.Info("job succeeded")
		if err := p.jobs.CompleteJob(ctx, job.ID); err != nil {
			log.Error("mark job succeeded failed", "err", err)
		}
		_ = p.jobs.AppendAudit(ctx, job.ID, "succeeded", "worker completed job")
		telemetry.WorkerSuccess.Inc()
		return
	}
	p.fail(ctx, log, job, runErr)
}

// fail records a failed attempt and either schedules a retry or moves the job
// to the dead-letter list.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, job models.Job, runErr error) {
	attempts := job.Attempts + 1
	limit := job.MaxAttempts
	if p.cfg.MaxAttempts > 0 && (limit <= 0 || p.cfg.MaxAttempts < limit) {
		limit = p.cfg.MaxAttempts
	}
	dead := attempts >= limit
	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if err := p.jobs.RetryJob(ctx, job.ID, attempts, nextRun, runErr.Error(), dead); err != nil {
		log.Error("record failed attempt", "err", err)
	}

	if dead {
		log.Error("job dead-lettered", "attempts", attempts, "err", runErr)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.jobs.AppendAudit(ctx, job.ID, "dead_letter", runErr.Error())
		telemetry.WorkerDeadLetter.Inc()
		return
	}
	log.Warn("job failed, retry scheduled", "attempts", attempts, "next_run", nextRun, "err", runErr)
	if err := p.queue.Schedule(ctx, job.ID, job.Priority, nextRun); err != nil {
		log.Error("schedule retry failed", "err", err)
	}
	_ = p.jobs.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
}

// runWithLease keeps extending the job's visibility deadline while the
// handler runs, so slow downloads are not reclaimed by another worker.
func (p *Processor) runWithLease(ctx context.Context, job models.Job) error {
	lease := p.cfg.VisibilityTimeout
	if lease <= 0 {
		return p.runJob(ctx, job)
	}
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		t := time.NewTicker(lease / 2)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := p.queue.ExtendLease(hbCtx, job.ID, lease); err != nil {
					p.logger.Warn("extend lease failed", "job_id", job.ID, "err", err)
				}
			}
		}
	}()
	return p.runJob(ctx, job)
}

// runJob dispatches the job to the handler registered for its type.
func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

// backoffWithJitter doubles base per attempt, caps at max and returns a
// random point in the upper half. A non-positive max leaves the delay
// bounded only by the largest Duration.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	if max <= 0 {
		max = math.MaxInt64
	}
	// Compare before converting: the float overflows Duration long before
	// attempt gets large.
	wait := max
	if exp := float64(base) * math.Pow(2, float64(attempt-1)); exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
}

// payloadInt64 reads an integer payload field. JSON round trips turn numbers
// into float64.
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch t := payload[key].(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}
