package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"listing-curator/internal/config"
	"listing-curator/internal/curation"
	"listing-curator/internal/models"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/status"
	"listing-curator/internal/store"
	"listing-curator/internal/store/storetest"
)

type memTransactor struct{ mem *storetest.Memory }

func (m memTransactor) InTx(ctx context.Context, fn func(curation.Repository) error) error {
	return m.mem.InTx(ctx, func(tx *storetest.Memory) error { return fn(memRepo{tx}) })
}

type memRepo struct{ *storetest.Memory }

func (r memRepo) Savepoint(ctx context.Context, fn func(curation.Repository) error) error {
	return r.Memory.Savepoint(ctx, func(sp *storetest.Memory) error { return fn(memRepo{sp}) })
}

// fakeReader serves task reads from the memory store and keeps jobs in a map.
type fakeReader struct {
	mem *storetest.Memory

	mu         sync.Mutex
	jobs       map[string]models.Job
	audit      []string
	lastFilter store.BusinessFilter
	summaries  []store.TaskSummary
}

func (f *fakeReader) TaskWithCounts(ctx context.Context, id int64) (models.Task, status.Counts, error) {
	t, err := f.mem.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, status.Counts{}, err
	}
	c, err := f.mem.BusinessStatusCounts(ctx, id)
	return t, c, err
}

func (f *fakeReader) ListBusinesses(_ context.Context, filter store.BusinessFilter) ([]models.Business, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return nil, nil
}

func (f *fakeReader) ListTaskLogs(_ context.Context, taskID int64, _ int) ([]models.TaskLog, error) {
	var out []models.TaskLog
	for _, l := range f.mem.Logs() {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeReader) TaskSummaries(context.Context, store.TaskFilter) ([]store.TaskSummary, error) {
	return f.summaries, nil
}

func (f *fakeReader) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if p.IdempotencyKey != "" && j.IdempotencyKey != nil && *j.IdempotencyKey == p.IdempotencyKey {
			return j, true, nil
		}
	}
	key := p.IdempotencyKey
	job := models.Job{
		ID:             fmt.Sprintf("job-%d", len(f.jobs)+1),
		Type:           p.Type,
		Priority:       p.Priority,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      time.Now(),
		IdempotencyKey: &key,
	}
	f.jobs[job.ID] = job
	return job, false, nil
}

func (f *fakeReader) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return j, nil
}

func (f *fakeReader) SetJobStatus(_ context.Context, id, st, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = st
	f.jobs[id] = j
	return nil
}

func (f *fakeReader) AppendAudit(_ context.Context, jobID, event, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, jobID+":"+event)
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
	dlq       []string
	fail      error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, _ string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *fakeQueue) DLQPeek(context.Context, int64) ([]string, error) {
	return q.dlq, nil
}

type denyLimiter struct {
	mu   sync.Mutex
	keys []string
}

func (d *denyLimiter) Allow(_ context.Context, key string) (bool, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	return false, 0, nil
}

type harness struct {
	mem    *storetest.Memory
	reader *fakeReader
	queue  *fakeQueue
	srv    *Server
	h      http.Handler
}

func newHarness(limiter Limiter) harness {
	mem := storetest.NewMemory()
	svc := curation.New(memTransactor{mem}, reconcile.New(nil), nil, nil)
	reader := &fakeReader{mem: mem, jobs: map[string]models.Job{}}
	q := &fakeQueue{}
	srv := New(config.Config{MaxAttempts: 3, IdempotencyTTL: time.Hour}, svc, reader, q, limiter, nil)
	return harness{mem: mem, reader: reader, queue: q, srv: srv, h: srv.Router()}
}

func (h harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func liveBusiness(title string) map[string]any {
	return map[string]any{
		"title":          title,
		"status":         "IN_PRODUCTION",
		"description":    "Family run bakery",
		"description_en": "Family run bakery",
		"description_es": "Panadería familiar",
		"description_fr": "Boulangerie familiale",
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(nil)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestBusinessLifecycleDrivesTaskStatus(t *testing.T) {
	h := newHarness(nil)

	rec := h.do(t, http.MethodPost, "/tasks", map[string]any{"project_title": "Lisbon bakeries", "destination_name": "Lisbon"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", rec.Code, rec.Body)
	}
	task := decode[models.Task](t, rec)

	biz := liveBusiness("Padaria Sol")
	biz["thumbnail_url"] = "https://img.example/sol.jpg"
	rec = h.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/businesses", task.ID), biz)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create business: %d %s", rec.Code, rec.Body)
	}
	change := decode[curation.BusinessChange](t, rec)
	if change.Task == nil || change.Task.Status != models.TaskTaskDone {
		t.Fatalf("expected task reconciled to TASK_DONE, got %+v", change.Task)
	}
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("expected thumbnail job queued, got %v", h.queue.enqueued)
	}
	if j := h.reader.jobs[h.queue.enqueued[0]]; j.Type != models.JobBusinessThumbnail {
		t.Fatalf("queued job type %q", j.Type)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d", task.ID), nil)
	view := decode[map[string]any](t, rec)
	if view["status"] != "TASK_DONE" || view["computed_status"] != "TASK_DONE" || view["is_task_done"] != true {
		t.Fatalf("unexpected task view %v", view)
	}

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/businesses/%d/status", change.Business.ID), map[string]any{"status": "PENDING"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status: %d %s", rec.Code, rec.Body)
	}
	change = decode[curation.BusinessChange](t, rec)
	if change.OldStatus != models.BusinessInProduction || change.Task.Status != models.TaskCompleted {
		t.Fatalf("unexpected change %+v task=%+v", change, change.Task)
	}

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/logs", task.ID), nil)
	logs := decode[map[string][]models.TaskLog](t, rec)
	if len(logs["items"]) != 2 {
		t.Fatalf("expected two transition logs, got %d", len(logs["items"]))
	}
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	task, _ := h.mem.CreateTask(ctx, store.CreateTaskParams{ProjectTitle: "Porto"})
	b, _ := h.mem.CreateBusiness(ctx, models.Business{TaskID: task.ID, Title: "No copy yet"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown task", http.MethodGet, "/tasks/999", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/tasks/abc", nil, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/tasks", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/businesses/bulk-status", `{"ids":[1]}`, http.StatusBadRequest},
		{"empty bulk", http.MethodPost, "/businesses/bulk-status", map[string]any{"business_ids": []int64{}, "new_status": "REVIEWED"}, http.StatusBadRequest},
		{"invalid status", http.MethodPost, fmt.Sprintf("/businesses/%d/status", b.ID), map[string]any{"status": "LIVE"}, http.StatusBadRequest},
		{"missing description", http.MethodPost, fmt.Sprintf("/businesses/%d/status", b.ID), map[string]any{"status": "REVIEWED"}, http.StatusBadRequest},
		{"unknown business", http.MethodDelete, "/businesses/999", nil, http.StatusNotFound},
		{"unknown job", http.MethodPost, "/jobs/nope/cancel", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("got %d want %d: %s", rec.Code, tc.want, rec.Body)
			}
		})
	}

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/businesses/%d/status", b.ID), map[string]any{"status": "IN_PRODUCTION"})
	body := decode[map[string]any](t, rec)
	missing, _ := body["missing"].([]any)
	if len(missing) != 4 {
		t.Fatalf("expected description and three translations missing, got %v", body)
	}
}

func TestBulkStatusEndpoint(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	t1, _ := h.mem.CreateTask(ctx, store.CreateTaskParams{ProjectTitle: "A"})
	t2, _ := h.mem.CreateTask(ctx, store.CreateTaskParams{ProjectTitle: "B"})
	b1 := h.mem.AddBusiness(t1.ID, models.BusinessPending)
	b2 := h.mem.AddBusiness(t2.ID, models.BusinessPending)

	rec := h.do(t, http.MethodPost, "/businesses/bulk-status", map[string]any{
		"business_ids": []int64{b1.ID, b2.ID, 404},
		"new_status":   "DISCARDED",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk: %d %s", rec.Code, rec.Body)
	}
	res := decode[curation.BulkResult](t, rec)
	if res.UpdatedCount != 2 || !reflect.DeepEqual(res.AffectedTasks, []int64{t1.ID, t2.ID}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.PartialSuccess || len(res.Errors) != 1 {
		t.Fatalf("expected one error for the missing business, got %+v", res)
	}
	if h.mem.Task(t1.ID).Status != models.TaskFailed {
		t.Fatalf("all discarded task should be FAILED, got %s", h.mem.Task(t1.ID).Status)
	}
}

func TestRateLimitUsesUserHeader(t *testing.T) {
	limiter := &denyLimiter{}
	h := newHarness(limiter)

	rec := h.do(t, http.MethodPost, "/businesses/bulk-status", map[string]any{"business_ids": []int64{1}, "new_status": "PENDING"}, "X-User-ID", "alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodPatch, "/businesses/1", map[string]any{})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !reflect.DeepEqual(limiter.keys, []string{"rl:alice", "rl:anonymous"}) {
		t.Fatalf("limiter keys %v", limiter.keys)
	}

	// reads are not limited
	if rec := h.do(t, http.MethodGet, "/dashboard/status", nil); rec.Code != http.StatusOK {
		t.Fatalf("dashboard limited: %d", rec.Code)
	}
}

func TestListBusinessesFilters(t *testing.T) {
	h := newHarness(nil)
	task := h.mem.AddTask(models.Task{})

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/businesses?status=pending,REVIEWED&include_deleted=true&limit=20", task.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body)
	}
	want := store.BusinessFilter{
		TaskID:         task.ID,
		Statuses:       []models.BusinessStatus{models.BusinessPending, models.BusinessReviewed},
		IncludeDeleted: true,
		Limit:          20,
	}
	if !reflect.DeepEqual(h.reader.lastFilter, want) {
		t.Fatalf("filter %+v want %+v", h.reader.lastFilter, want)
	}

	if rec := h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/businesses?status=LIVE", task.ID), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d/businesses?include_deleted=maybe", task.ID), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad include_deleted, got %d", rec.Code)
	}
}

func TestDeletedTaskIsHiddenFromReads(t *testing.T) {
	h := newHarness(nil)
	task := h.mem.AddTask(models.Task{ProjectTitle: "Braga wineries"})
	h.mem.AddBusiness(task.ID, models.BusinessReviewed)

	if rec := h.do(t, http.MethodDelete, fmt.Sprintf("/tasks/%d", task.ID), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}

	for _, path := range []string{
		fmt.Sprintf("/tasks/%d", task.ID),
		fmt.Sprintf("/tasks/%d/businesses", task.ID),
		fmt.Sprintf("/tasks/%d/logs", task.ID),
	} {
		if rec := h.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("GET %s on deleted task: %d", path, rec.Code)
		}
		if rec := h.do(t, http.MethodGet, path+"?include_deleted=true", nil); rec.Code != http.StatusOK {
			t.Fatalf("GET %s?include_deleted=true: %d %s", path, rec.Code, rec.Body)
		}
	}

	rec := h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d?include_deleted=true", task.ID), nil)
	if view := decode[map[string]any](t, rec); view["is_deleted"] != true {
		t.Fatalf("expected deleted task view, got %v", view)
	}

	if rec := h.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/restore", task.ID), nil); rec.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", rec.Code, rec.Body)
	}
	if rec := h.do(t, http.MethodGet, fmt.Sprintf("/tasks/%d", task.ID), nil); rec.Code != http.StatusOK {
		t.Fatalf("GET restored task: %d", rec.Code)
	}
}

func TestDashboardCountsComputedStatus(t *testing.T) {
	h := newHarness(nil)
	h.reader.summaries = []store.TaskSummary{
		{Task: models.Task{ID: 1, Status: models.TaskDone}, Counts: status.Counts{InProduction: 3}},
		{Task: models.Task{ID: 2, Status: models.TaskInProgress}, Counts: status.Counts{Pending: 1}},
		{Task: models.Task{ID: 3, Status: models.TaskFailed}, Counts: status.Counts{Discarded: 2}},
	}

	rec := h.do(t, http.MethodGet, "/dashboard/status", nil)
	resp := decode[dashboardResponse](t, rec)
	if resp.Total != 3 || resp.EffectivelyDone != 1 {
		t.Fatalf("unexpected totals %+v", resp)
	}
	if resp.ByStatus[models.TaskDone] != 1 || resp.ByComputed[models.TaskTaskDone] != 1 || resp.ByComputed[models.TaskDone] != 0 {
		t.Fatalf("unexpected status breakdown stored=%v computed=%v", resp.ByStatus, resp.ByComputed)
	}
}

func TestReconcileEndpointQueuesJobOnce(t *testing.T) {
	h := newHarness(nil)
	task, _ := h.mem.CreateTask(context.Background(), store.CreateTaskParams{ProjectTitle: "Faro"})
	path := fmt.Sprintf("/tasks/%d/reconcile", task.ID)

	rec := h.do(t, http.MethodPost, path, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reconcile: %d %s", rec.Code, rec.Body)
	}
	h.do(t, http.MethodPost, path, nil)
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("expected one queued reconcile job, got %v", h.queue.enqueued)
	}
	job := h.reader.jobs[h.queue.enqueued[0]]
	if job.Type != models.JobReconcileTask || job.Priority != "high" || job.MaxAttempts != 3 {
		t.Fatalf("unexpected job %+v", job)
	}

	if rec := h.do(t, http.MethodPost, "/tasks/999/reconcile", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
	}
}

func TestEnqueueFailureMarksJobFailed(t *testing.T) {
	h := newHarness(nil)
	h.queue.fail = errors.New("redis down")
	task, _ := h.mem.CreateTask(context.Background(), store.CreateTaskParams{ProjectTitle: "Braga"})

	rec := h.do(t, http.MethodPost, fmt.Sprintf("/tasks/%d/reconcile", task.ID), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	for _, j := range h.reader.jobs {
		if j.Status != models.StatusFailed {
			t.Fatalf("job left in %s", j.Status)
		}
	}
}

func TestCancelJob(t *testing.T) {
	h := newHarness(nil)
	job, _, _ := h.reader.CreateJob(context.Background(), store.CreateJobParams{Type: models.JobNotifyTaskDone})

	rec := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}
	if h.reader.jobs[job.ID].Status != models.StatusCancelled || len(h.queue.cancelled) != 1 {
		t.Fatalf("job not cancelled: %+v", h.reader.jobs[job.ID])
	}
}
