package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"listing-curator/internal/models"
	"listing-curator/internal/status"
)

const taskColumns = `id, project_id, project_title, destination_name, status, created_at, updated_at, completed_at, is_deleted`

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	ProjectTitle    string
	DestinationName string
	Status          models.TaskStatus
}

// CreateTask inserts a new gathering task. Status defaults to PENDING.
func (q queries) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if p.Status == "" {
		p.Status = models.TaskPending
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO tasks (project_id, project_title, destination_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING `+taskColumns,
		uuid.New().String(), p.ProjectTitle, p.DestinationName, p.Status)
	task, err := scanTask(row)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask reads the current persisted task row, soft-deleted rows included.
func (q queries) GetTask(ctx context.Context, id int64) (models.Task, error) {
	row := q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		return models.Task{}, notFound("task", id, err)
	}
	return task, nil
}

// LockTask reads a task and holds a row lock until the transaction ends.
func (q queries) LockTask(ctx context.Context, id int64) (models.Task, error) {
	row := q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if err != nil {
		return models.Task{}, notFound("task", id, err)
	}
	return task, nil
}

// LockActiveTasks locks every non-deleted task, ordered by id.
func (q queries) LockActiveTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE NOT is_deleted ORDER BY id FOR UPDATE
	`)
	if err != nil {
		return nil, fmt.Errorf("lock tasks: %w", err)
	}
	return collectTasks(rows)
}

// SaveTask writes the status and completed_at of a loaded task back to its
// row. Other columns keep whatever is stored.
func (q queries) SaveTask(ctx context.Context, task models.Task) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE tasks SET status = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $1
	`, task.ID, task.Status, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", task.ID, ErrNotFound)
	}
	return nil
}

// ForceTaskStatus writes status (and completed_at per action) directly to the
// row without reading it back.
func (q queries) ForceTaskStatus(ctx context.Context, id int64, st models.TaskStatus, action status.CompletedAtAction, now time.Time) error {
	var err error
	switch action {
	case status.CompletedAtSet:
		_, err = q.db.Exec(ctx, `UPDATE tasks SET status = $2, completed_at = $3, updated_at = NOW() WHERE id = $1`, id, st, now)
	case status.CompletedAtClear:
		_, err = q.db.Exec(ctx, `UPDATE tasks SET status = $2, completed_at = NULL, updated_at = NOW() WHERE id = $1`, id, st)
	default:
		_, err = q.db.Exec(ctx, `UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1`, id, st)
	}
	if err != nil {
		return fmt.Errorf("force task status: %w", err)
	}
	return nil
}

// CountTasksByStatus counts non-deleted tasks currently stored with st.
func (q queries) CountTasksByStatus(ctx context.Context, st models.TaskStatus) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = $1 AND NOT is_deleted
	`, st).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// SetTaskDeleted soft-deletes (or restores) a task together with its
// businesses. Deleting marks the live businesses as deleted_with_task;
// restoring brings back only those, so businesses deleted on their own stay
// deleted. Call it inside a transaction.
func (q queries) SetTaskDeleted(ctx context.Context, id int64, deleted bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE tasks SET is_deleted = $2, updated_at = NOW() WHERE id = $1`, id, deleted)
	if err != nil {
		return fmt.Errorf("update task deleted flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	cascade := `UPDATE businesses SET is_deleted = TRUE, deleted_with_task = TRUE, updated_at = NOW()
		WHERE task_id = $1 AND NOT is_deleted`
	if !deleted {
		cascade = `UPDATE businesses SET is_deleted = FALSE, deleted_with_task = FALSE, updated_at = NOW()
		WHERE task_id = $1 AND deleted_with_task`
	}
	if _, err := q.db.Exec(ctx, cascade, id); err != nil {
		return fmt.Errorf("cascade deleted flag to businesses: %w", err)
	}
	return nil
}

// TasksMissingCompletion lists settled tasks whose completed_at was never stamped.
func (q queries) TasksMissingCompletion(ctx context.Context) ([]models.Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ANY($1) AND completed_at IS NULL AND NOT is_deleted
		ORDER BY id
	`, []string{string(models.TaskDone), string(models.TaskCompleted)})
	if err != nil {
		return nil, fmt.Errorf("query tasks missing completion: %w", err)
	}
	return collectTasks(rows)
}

// StampCompletion sets completed_at for the given ids where it is still null.
func (q queries) StampCompletion(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE tasks SET completed_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND completed_at IS NULL
	`, ids, at)
	if err != nil {
		return 0, fmt.Errorf("stamp completion: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StaleInProgress lists IN_PROGRESS tasks created before cutoff.
func (q queries) StaleInProgress(ctx context.Context, cutoff time.Time) ([]models.Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND created_at < $2 AND NOT is_deleted
		ORDER BY created_at
	`, models.TaskInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	return collectTasks(rows)
}

// AppendTaskLog adds an entry to the task's history.
func (q queries) AppendTaskLog(ctx context.Context, taskID int64, level, message string, metadata map[string]any) error {
	var meta []byte
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		meta = raw
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO task_logs (task_id, ts, level, message, metadata)
		VALUES ($1, NOW(), $2, $3, $4)
	`, taskID, level, message, meta)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns the newest entries first.
func (q queries) ListTaskLogs(ctx context.Context, taskID int64, limit int) ([]models.TaskLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, task_id, ts, level, message, metadata
		FROM task_logs WHERE task_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var out []models.TaskLog
	for rows.Next() {
		var l models.TaskLog
		var meta []byte
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Timestamp, &l.Level, &l.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &l.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal log metadata: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteTaskLogsBefore removes history entries older than cutoff.
func (q queries) DeleteTaskLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM task_logs WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete task logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var projectID pgtype.UUID
	var completed pgtype.Timestamptz
	if err := row.Scan(&t.ID, &projectID, &t.ProjectTitle, &t.DestinationName, &t.Status, &t.CreatedAt, &t.UpdatedAt, &completed, &t.IsDeleted); err != nil {
		return models.Task{}, err
	}
	if projectID.Valid {
		t.ProjectID = uuid.UUID(projectID.Bytes).String()
	}
	t.CompletedAt = timePtr(completed)
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}
