// Package storetest provides an in-memory stand-in for the Postgres store so
// reconciliation and trigger logic can be tested without a database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"listing-curator/internal/models"
	"listing-curator/internal/status"
	"listing-curator/internal/store"
)

// Memory mirrors the statements of store.Store over maps. Transactions are
// emulated by snapshotting state and restoring it when fn fails.
type Memory struct {
	mu         sync.Mutex
	tasks      map[int64]models.Task
	businesses map[int64]models.Business
	logs       []models.TaskLog
	cascaded   map[int64]bool // businesses deleted together with their task
	nextTask   int64
	nextBiz    int64
	nextLog    int64

	// Fail makes the named method return the error.
	Fail map[string]error
	// CountOverride replaces CountTasksByStatus results per status.
	CountOverride map[models.TaskStatus]int64

	calls map[string]int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		tasks:         map[int64]models.Task{},
		businesses:    map[int64]models.Business{},
		cascaded:      map[int64]bool{},
		Fail:          map[string]error{},
		CountOverride: map[models.TaskStatus]int64{},
		calls:         map[string]int{},
	}
}

// Calls reports how many times method was invoked.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *Memory) enter(method string) error {
	m.calls[method]++
	return m.Fail[method]
}

type snapshot struct {
	tasks      map[int64]models.Task
	businesses map[int64]models.Business
	logs       []models.TaskLog
	cascaded   map[int64]bool
}

func (m *Memory) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{
		tasks:      make(map[int64]models.Task, len(m.tasks)),
		businesses: make(map[int64]models.Business, len(m.businesses)),
		logs:       append([]models.TaskLog(nil), m.logs...),
		cascaded:   make(map[int64]bool, len(m.cascaded)),
	}
	for k, v := range m.cascaded {
		s.cascaded[k] = v
	}
	for k, v := range m.tasks {
		s.tasks[k] = v
	}
	for k, v := range m.businesses {
		s.businesses[k] = v
	}
	return s
}

func (m *Memory) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = s.tasks
	m.businesses = s.businesses
	m.logs = s.logs
	m.cascaded = s.cascaded
}

// InTx runs fn and undoes its writes when it returns an error.
func (m *Memory) InTx(_ context.Context, fn func(*Memory) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// Savepoint behaves like InTx; nested calls restore only their own writes.
func (m *Memory) Savepoint(ctx context.Context, fn func(*Memory) error) error {
	return m.InTx(ctx, fn)
}

// AddTask seeds a task and returns it with its id.
func (m *Memory) AddTask(t models.Task) models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTask++
	t.ID = m.nextTask
	if t.ProjectID == "" {
		t.ProjectID = fmt.Sprintf("project-%d", t.ID)
	}
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.tasks[t.ID] = t
	return t
}

// AddBusiness seeds a business in taskID with status st.
func (m *Memory) AddBusiness(taskID int64, st models.BusinessStatus) models.Business {
	b, _ := m.CreateBusiness(context.Background(), models.Business{
		TaskID:      taskID,
		Title:       "Listing",
		Description: "A place worth visiting",
		Status:      st,
	})
	return b
}

// Task returns the current copy of a task.
func (m *Memory) Task(id int64) models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// Business returns the current copy of a business.
func (m *Memory) Business(id int64) models.Business {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.businesses[id]
}

// Logs returns every appended task log.
func (m *Memory) Logs() []models.TaskLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TaskLog(nil), m.logs...)
}

func (m *Memory) CreateTask(_ context.Context, p store.CreateTaskParams) (models.Task, error) {
	m.mu.Lock()
	err := m.enter("CreateTask")
	m.mu.Unlock()
	if err != nil {
		return models.Task{}, err
	}
	return m.AddTask(models.Task{
		ProjectTitle:    p.ProjectTitle,
		DestinationName: p.DestinationName,
		Status:          p.Status,
	}), nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetTask"); err != nil {
		return models.Task{}, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (m *Memory) LockTask(ctx context.Context, id int64) (models.Task, error) {
	return m.GetTask(ctx, id)
}

func (m *Memory) LockActiveTasks(_ context.Context) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LockActiveTasks"); err != nil {
		return nil, err
	}
	var out []models.Task
	for _, t := range m.tasks {
		if !t.IsDeleted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveTask(_ context.Context, task models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SaveTask"); err != nil {
		return err
	}
	stored, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %d: %w", task.ID, store.ErrNotFound)
	}
	stored.Status = task.Status
	stored.CompletedAt = task.CompletedAt
	stored.UpdatedAt = time.Now()
	m.tasks[task.ID] = stored
	return nil
}

func (m *Memory) ForceTaskStatus(_ context.Context, id int64, st models.TaskStatus, action status.CompletedAtAction, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ForceTaskStatus"); err != nil {
		return err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	t.Status = st
	t.CompletedAt = action.Apply(t.CompletedAt, now)
	m.tasks[id] = t
	return nil
}

func (m *Memory) CountTasksByStatus(_ context.Context, st models.TaskStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountTasksByStatus"); err != nil {
		return 0, err
	}
	if n, ok := m.CountOverride[st]; ok {
		return n, nil
	}
	var n int64
	for _, t := range m.tasks {
		if t.Status == st && !t.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetTaskDeleted(_ context.Context, id int64, deleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetTaskDeleted"); err != nil {
		return err
	}
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	t.IsDeleted = deleted
	m.tasks[id] = t
	for bid, b := range m.businesses {
		if b.TaskID != id {
			continue
		}
		switch {
		case deleted && !b.IsDeleted:
			b.IsDeleted = true
			m.cascaded[bid] = true
		case !deleted && m.cascaded[bid]:
			b.IsDeleted = false
			delete(m.cascaded, bid)
		default:
			continue
		}
		m.businesses[bid] = b
	}
	return nil
}

func (m *Memory) TasksMissingCompletion(_ context.Context) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if (t.Status == models.TaskDone || t.Status == models.TaskCompleted) && t.CompletedAt == nil && !t.IsDeleted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) StampCompletion(_ context.Context, ids []int64, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || t.CompletedAt != nil {
			continue
		}
		stamp := at
		t.CompletedAt = &stamp
		m.tasks[id] = t
		n++
	}
	return n, nil
}

func (m *Memory) StaleInProgress(_ context.Context, cutoff time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == models.TaskInProgress && t.CreatedAt.Before(cutoff) && !t.IsDeleted {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendTaskLog(_ context.Context, taskID int64, level, message string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendTaskLog"); err != nil {
		return err
	}
	m.nextLog++
	m.logs = append(m.logs, models.TaskLog{
		ID:        m.nextLog,
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	return nil
}

// AddLog seeds a log entry with an explicit timestamp.
func (m *Memory) AddLog(taskID int64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLog++
	m.logs = append(m.logs, models.TaskLog{ID: m.nextLog, TaskID: taskID, Level: "INFO", Message: "seed", Timestamp: ts})
}

func (m *Memory) DeleteTaskLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var n int64
	for _, l := range m.logs {
		if l.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}

func (m *Memory) BusinessStatusCounts(_ context.Context, taskID int64) (status.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("BusinessStatusCounts"); err != nil {
		return status.Counts{}, err
	}
	var c status.Counts
	for _, b := range m.businesses {
		if b.TaskID == taskID && !b.IsDeleted {
			c.Add(b.Status, 1)
		}
	}
	return c, nil
}

func (m *Memory) CreateBusiness(_ context.Context, b models.Business) (models.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateBusiness"); err != nil {
		return models.Business{}, err
	}
	for _, existing := range m.businesses {
		if b.PlaceID != "" && existing.PlaceID == b.PlaceID {
			return models.Business{}, fmt.Errorf("insert business: duplicate place_id %q", b.PlaceID)
		}
	}
	m.nextBiz++
	b.ID = m.nextBiz
	if b.PlaceID == "" {
		b.PlaceID = fmt.Sprintf("place-%d", b.ID)
	}
	if b.Status == "" {
		b.Status = models.BusinessPending
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	m.businesses[b.ID] = b
	return b, nil
}

func (m *Memory) GetBusiness(_ context.Context, id int64) (models.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetBusiness"); err != nil {
		return models.Business{}, err
	}
	b, ok := m.businesses[id]
	if !ok {
		return models.Business{}, fmt.Errorf("business %d: %w", id, store.ErrNotFound)
	}
	return b, nil
}

func (m *Memory) LockBusiness(ctx context.Context, id int64) (models.Business, error) {
	return m.GetBusiness(ctx, id)
}

func (m *Memory) UpdateBusiness(_ context.Context, b models.Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateBusiness"); err != nil {
		return err
	}
	if _, ok := m.businesses[b.ID]; !ok {
		return fmt.Errorf("business %d: %w", b.ID, store.ErrNotFound)
	}
	b.UpdatedAt = time.Now()
	m.businesses[b.ID] = b
	return nil
}

func (m *Memory) SetBusinessStatus(_ context.Context, id int64, st models.BusinessStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetBusinessStatus"); err != nil {
		return err
	}
	b, ok := m.businesses[id]
	if !ok {
		return fmt.Errorf("business %d: %w", id, store.ErrNotFound)
	}
	b.Status = st
	m.businesses[id] = b
	return nil
}

func (m *Memory) SetBusinessDeleted(_ context.Context, id int64, deleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetBusinessDeleted"); err != nil {
		return err
	}
	b, ok := m.businesses[id]
	if !ok {
		return fmt.Errorf("business %d: %w", id, store.ErrNotFound)
	}
	b.IsDeleted = deleted
	m.businesses[id] = b
	delete(m.cascaded, id)
	return nil
}

func (m *Memory) SetThumbnailKey(_ context.Context, id int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetThumbnailKey"); err != nil {
		return err
	}
	b, ok := m.businesses[id]
	if !ok {
		return fmt.Errorf("business %d: %w", id, store.ErrNotFound)
	}
	b.ThumbnailKey = key
	m.businesses[id] = b
	return nil
}
