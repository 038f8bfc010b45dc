package models

import (
	"time"
)

// TaskStatus enumerates the lifecycle states of a gathering task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskDone       TaskStatus = "DONE"
	TaskTaskDone   TaskStatus = "TASK_DONE"
)

// TaskStatuses lists every task status in display order.
var TaskStatuses = []TaskStatus{
	TaskQueued,
	TaskPending,
	TaskInProgress,
	TaskCompleted,
	TaskFailed,
	TaskDone,
	TaskTaskDone,
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Label is the curator-facing name of the status.
func (s TaskStatus) Label() string {
	switch s {
	case TaskInProgress:
		return "IN PROGRESS"
	case TaskCompleted:
		return "READY TO REVIEW"
	case TaskDone:
		return "REVIEWED"
	case TaskTaskDone:
		return "LIVE ON APP"
	default:
		return string(s)
	}
}

// Task is a unit of work that gathers a batch of business listings.
type Task struct {
	ID              int64      `json:"id"`
	ProjectID       string     `json:"project_id"`
	ProjectTitle    string     `json:"project_title"`
	DestinationName string     `json:"destination_name"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	IsDeleted       bool       `json:"is_deleted"`
}

// TaskLog is one entry of a task's event history.
type TaskLog struct {
	ID        int64          `json:"id"`
	TaskID    int64          `json:"task_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
