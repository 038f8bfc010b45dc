package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"listing-curator/internal/curation"
	"listing-curator/internal/models"
	"listing-curator/internal/status"
	"listing-curator/internal/store"
)

type createTaskRequest struct {
	ProjectTitle    string            `json:"project_title"`
	DestinationName string            `json:"destination_name"`
	Status          models.TaskStatus `json:"status"`
}

// taskView is a task together with the read-only status projections.
type taskView struct {
	models.Task
	ComputedStatus models.TaskStatus `json:"computed_status"`
	IsTaskDone     bool              `json:"is_task_done"`
	Counts         status.Counts     `json:"counts"`
}

func newTaskView(t models.Task, c status.Counts) taskView {
	return taskView{
		Task:           t,
		ComputedStatus: status.ComputedStatus(t.Status, c),
		IsTaskDone:     status.IsTaskDone(c),
		Counts:         c,
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.curator.CreateTask(r.Context(), store.CreateTaskParams{
		ProjectTitle:    req.ProjectTitle,
		DestinationName: req.DestinationName,
		Status:          req.Status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	withDeleted, err := includeDeleted(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	task, counts, ok := s.visibleTask(w, r, id, withDeleted)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task, counts))
}

// visibleTask loads a task for a read endpoint. Deleted tasks answer 404
// unless withDeleted is set. It writes the error response itself.
func (s *Server) visibleTask(w http.ResponseWriter, r *http.Request, id int64, withDeleted bool) (models.Task, status.Counts, bool) {
	task, counts, err := s.reader.TaskWithCounts(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return models.Task{}, status.Counts{}, false
	}
	if task.IsDeleted && !withDeleted {
		writeMessage(w, http.StatusNotFound, "task is deleted")
		return models.Task{}, status.Counts{}, false
	}
	return task, counts, true
}

func includeDeleted(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("include_deleted")
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New("include_deleted must be a boolean")
	}
	return b, nil
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "marked failed by " + userFromRequest(r)
	}
	task, err := s.curator.FailTask(r.Context(), id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.curator.DeleteTask(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.curator.RestoreTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleReconcileTask queues a force-mode reconcile for the worker.
func (s *Server) handleReconcileTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	task, _, ok := s.visibleTask(w, r, id, false)
	if !ok {
		return
	}
	job, reused, err := s.enqueueJob(r.Context(), store.CreateJobParams{
		Type:     models.JobReconcileTask,
		Priority: "high",
		Payload:  map[string]any{"task_id": id},
		// Repeated requests against an unchanged task share one job.
		IdempotencyKey: "reconcile:" + strconv.FormatInt(id, 10) + ":" + task.UpdatedAt.UTC().Format("20060102T150405.000000"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "idempotent": reused})
}

func (s *Server) handleListBusinesses(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	f := store.BusinessFilter{TaskID: id}
	if f.IncludeDeleted, err = includeDeleted(r); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, ok := s.visibleTask(w, r, id, f.IncludeDeleted); !ok {
		return
	}
	q := r.URL.Query()
	for _, raw := range q["status"] {
		for _, v := range strings.Split(raw, ",") {
			st := models.BusinessStatus(strings.ToUpper(strings.TrimSpace(v)))
			if !st.Valid() {
				writeMessage(w, http.StatusBadRequest, "unknown business status "+v)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.Limit = queryUint(q.Get("limit"))
	f.Offset = queryUint(q.Get("offset"))

	items, err := s.reader.ListBusinesses(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Business{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	withDeleted, err := includeDeleted(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, ok := s.visibleTask(w, r, id, withDeleted); !ok {
		return
	}
	logs, err := s.reader.ListTaskLogs(r.Context(), id, int(queryUint(r.URL.Query().Get("limit"))))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.TaskLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (s *Server) handleCreateBusiness(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var b models.Business
	if err := decodeJSON(r, &b); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	b.ID = 0
	b.TaskID = taskID
	b.IsDeleted = false
	change, err := s.curator.CreateBusiness(r.Context(), b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.queueThumbnail(r, change.Business)
	writeJSON(w, http.StatusCreated, change)
}

func (s *Server) handleUpdateBusiness(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var patch curation.BusinessPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := s.curator.UpdateBusiness(r.Context(), id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if patch.ThumbnailURL != nil {
		s.queueThumbnail(r, change.Business)
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleSetBusinessStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Status models.BusinessStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := s.curator.SetBusinessStatus(r.Context(), id, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleDeleteBusiness(w http.ResponseWriter, r *http.Request) {
	s.toggleDeleted(w, r, s.curator.DeleteBusiness)
}

func (s *Server) handleRestoreBusiness(w http.ResponseWriter, r *http.Request) {
	s.toggleDeleted(w, r, s.curator.RestoreBusiness)
}

func (s *Server) toggleDeleted(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) (curation.BusinessChange, error)) {
	id, err := pathID(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	change, err := op(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

type bulkStatusRequest struct {
	BusinessIDs []int64               `json:"business_ids"`
	NewStatus   models.BusinessStatus `json:"new_status"`
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.curator.BulkUpdateStatus(r.Context(), req.BusinessIDs, req.NewStatus)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type dashboardResponse struct {
	Total           int                       `json:"total"`
	ByStatus        map[models.TaskStatus]int `json:"by_status"`
	ByComputed      map[models.TaskStatus]int `json:"by_computed_status"`
	EffectivelyDone int                       `json:"effectively_done"`
	Tasks           []taskView                `json:"tasks"`
}

// handleDashboard summarizes tasks by stored status and by the status their
// businesses imply, so drift between the two is visible.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{Destination: q.Get("destination"), Limit: queryUint(q.Get("limit"))}
	for _, raw := range q["status"] {
		for _, v := range strings.Split(raw, ",") {
			st := models.TaskStatus(strings.ToUpper(strings.TrimSpace(v)))
			if !st.Valid() {
				writeMessage(w, http.StatusBadRequest, "unknown task status "+v)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	summaries, err := s.reader.TaskSummaries(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := dashboardResponse{
		ByStatus:   map[models.TaskStatus]int{},
		ByComputed: map[models.TaskStatus]int{},
		Tasks:      make([]taskView, 0, len(summaries)),
	}
	for _, st := range models.TaskStatuses {
		resp.ByStatus[st] = 0
		resp.ByComputed[st] = 0
	}
	for _, sum := range summaries {
		v := newTaskView(sum.Task, sum.Counts)
		resp.Total++
		resp.ByStatus[v.Status]++
		resp.ByComputed[v.ComputedStatus]++
		if v.IsTaskDone {
			resp.EffectivelyDone++
		}
		resp.Tasks = append(resp.Tasks, v)
	}
	writeJSON(w, http.StatusOK, resp)
}

// queueThumbnail schedules a thumbnail for b when it has a photo. Failures
// are logged; the business write already succeeded.
func (s *Server) queueThumbnail(r *http.Request, b models.Business) {
	if b.ThumbnailURL == "" {
		return
	}
	_, _, err := s.enqueueJob(r.Context(), store.CreateJobParams{
		Type:           models.JobBusinessThumbnail,
		Priority:       "low",
		Payload:        map[string]any{"business_id": b.ID, "source_url": b.ThumbnailURL},
		IdempotencyKey: "thumbnail:" + strconv.FormatInt(b.ID, 10) + ":" + b.ThumbnailURL,
	})
	if err != nil {
		s.logger.Warn("thumbnail job not queued", "business_id", b.ID, "err", err)
	}
}

func queryUint(v string) uint64 {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
