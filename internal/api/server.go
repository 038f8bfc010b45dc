package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"listing-curator/internal/config"
	"listing-curator/internal/curation"
	"listing-curator/internal/logging"
	"listing-curator/internal/models"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/status"
	"listing-curator/internal/store"
	"listing-curator/internal/telemetry"
)

// Curator is the write side of the API, satisfied by *curation.Service.
type Curator interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	FailTask(ctx context.Context, id int64, reason string) (models.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	RestoreTask(ctx context.Context, id int64) (reconcile.Result, error)
	CreateBusiness(ctx context.Context, b models.Business) (curation.BusinessChange, error)
	UpdateBusiness(ctx context.Context, id int64, patch curation.BusinessPatch) (curation.BusinessChange, error)
	SetBusinessStatus(ctx context.Context, id int64, target models.BusinessStatus) (curation.BusinessChange, error)
	DeleteBusiness(ctx context.Context, id int64) (curation.BusinessChange, error)
	RestoreBusiness(ctx context.Context, id int64) (curation.BusinessChange, error)
	BulkUpdateStatus(ctx context.Context, ids []int64, target models.BusinessStatus) (curation.BulkResult, error)
}

// Reader is the read side of the API plus job bookkeeping, satisfied by *store.Store.
type Reader interface {
	TaskWithCounts(ctx context.Context, id int64) (models.Task, status.Counts, error)
	ListBusinesses(ctx context.Context, f store.BusinessFilter) ([]models.Business, error)
	ListTaskLogs(ctx context.Context, taskID int64, limit int) ([]models.TaskLog, error)
	TaskSummaries(ctx context.Context, f store.TaskFilter) ([]store.TaskSummary, error)

	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	SetJobStatus(ctx context.Context, id, status, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// JobQueue is satisfied by *queue.RedisQueue.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, limit int64) ([]string, error)
}

// Limiter is satisfied by *ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the curation API.
type Server struct {
	cfg     config.Config
	curator Curator
	reader  Reader
	queue   JobQueue
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. limiter and logger may be nil.
func New(cfg config.Config, cur Curator, reader Reader, q JobQueue, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:     cfg,
		curator: cur,
		reader:  reader,
		queue:   q,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/fail", s.handleFailTask)
			r.Post("/restore", s.handleRestoreTask)
			r.Post("/reconcile", s.handleReconcileTask)
			r.Get("/businesses", s.handleListBusinesses)
			r.Get("/logs", s.handleTaskLogs)
			r.With(s.rateLimit).Post("/businesses", s.handleCreateBusiness)
		})
	})

	r.Route("/businesses", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/bulk-status", s.handleBulkStatus)
		r.Patch("/{id}", s.handleUpdateBusiness)
		r.Post("/{id}/status", s.handleSetBusinessStatus)
		r.Delete("/{id}", s.handleDeleteBusiness)
		r.Post("/{id}/restore", s.handleRestoreBusiness)
	})

	r.Get("/dashboard/status", s.handleDashboard)

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.reader.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.reader.GetJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeMessage(w, http.StatusInternalServerError, "failed to cancel queue item")
		return
	}
	if err := s.reader.SetJobStatus(r.Context(), id, models.StatusCancelled, ""); err != nil {
		writeMessage(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	_ = s.reader.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API by "+userFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// enqueueJob persists a job and pushes it to the ready queue. A job that fails
// to reach Redis is marked failed so it does not linger as queued.
func (s *Server) enqueueJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = s.cfg.MaxAttempts
	}
	p.IdempotencyTTL = s.cfg.IdempotencyTTL
	job, reused, err := s.reader.CreateJob(ctx, p)
	if err != nil {
		return models.Job{}, false, err
	}
	if reused {
		return job, true, nil
	}
	if err := s.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		_ = s.reader.SetJobStatus(ctx, job.ID, models.StatusFailed, err.Error())
		return models.Job{}, false, fmt.Errorf("enqueue %s job: %w", p.Type, err)
	}
	_ = s.reader.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("type=%s priority=%s", job.Type, job.Priority))
	telemetry.EnqueueCounter.Inc()
	return job, false, nil
}

// rateLimit applies the per-user token bucket to mutating endpoints.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+userFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "err", err)
			writeMessage(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeMessage(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var missing *curation.MissingContentError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.As(err, &missing):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   missing.Error(),
			"missing": missing.Missing,
			"demoted": missing.Demoted,
		})
	case errors.Is(err, curation.ErrInvalidStatus), errors.Is(err, curation.ErrNoBusinesses):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func userFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	// An empty body decodes to the zero value.
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
