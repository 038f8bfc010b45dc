package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"listing-curator/internal/models"
	"listing-curator/internal/status"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// BusinessFilter narrows ListBusinesses.
type BusinessFilter struct {
	TaskID         int64
	Statuses       []models.BusinessStatus
	IncludeDeleted bool
	Limit          uint64
	Offset         uint64
}

// ListBusinesses returns businesses matching f ordered by id.
func (q queries) ListBusinesses(ctx context.Context, f BusinessFilter) ([]models.Business, error) {
	builder := psql.Select(businessColumns).From("businesses").OrderBy("id")
	if f.TaskID != 0 {
		builder = builder.Where(sq.Eq{"task_id": f.TaskID})
	}
	if len(f.Statuses) > 0 {
		builder = builder.Where(sq.Eq{"status": statusStrings(f.Statuses)})
	}
	if !f.IncludeDeleted {
		builder = builder.Where(sq.Eq{"is_deleted": false})
	}
	if f.Limit == 0 {
		f.Limit = 200
	}
	builder = builder.Limit(f.Limit).Offset(f.Offset)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build business query: %w", err)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query businesses: %w", err)
	}
	defer rows.Close()

	var out []models.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// TaskFilter narrows TaskSummaries.
type TaskFilter struct {
	Statuses       []models.TaskStatus
	Destination    string
	IncludeDeleted bool
	Limit          uint64
}

// TaskSummary pairs a task with the status counts of its businesses.
type TaskSummary struct {
	Task   models.Task   `json:"task"`
	Counts status.Counts `json:"counts"`
}

// TaskSummaries loads tasks together with their business status counts in one query.
func (q queries) TaskSummaries(ctx context.Context, f TaskFilter) ([]TaskSummary, error) {
	builder := psql.Select(
		"t.id", "t.project_id", "t.project_title", "t.destination_name", "t.status",
		"t.created_at", "t.updated_at", "t.completed_at", "t.is_deleted",
		"COUNT(b.id) FILTER (WHERE b.status = 'DISCARDED')",
		"COUNT(b.id) FILTER (WHERE b.status = 'PENDING')",
		"COUNT(b.id) FILTER (WHERE b.status = 'REVIEWED')",
		"COUNT(b.id) FILTER (WHERE b.status = 'IN_PRODUCTION')",
	).
		From("tasks t").
		LeftJoin("businesses b ON b.task_id = t.id AND NOT b.is_deleted").
		GroupBy("t.id").
		OrderBy("t.id DESC")

	if len(f.Statuses) > 0 {
		names := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			names = append(names, string(s))
		}
		builder = builder.Where(sq.Eq{"t.status": names})
	}
	if f.Destination != "" {
		builder = builder.Where(sq.ILike{"t.destination_name": "%" + f.Destination + "%"})
	}
	if !f.IncludeDeleted {
		builder = builder.Where(sq.Eq{"t.is_deleted": false})
	}
	if f.Limit > 0 {
		builder = builder.Limit(f.Limit)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build summary query: %w", err)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task summaries: %w", err)
	}
	defer rows.Close()

	var out []TaskSummary
	for rows.Next() {
		var s TaskSummary
		var c status.Counts
		task, err := scanTask(rowScanner(func(dest ...any) error {
			dest = append(dest, &c.Discarded, &c.Pending, &c.Reviewed, &c.InProduction)
			return rows.Scan(dest...)
		}))
		if err != nil {
			return nil, fmt.Errorf("scan task summary: %w", err)
		}
		s.Task = task
		s.Counts = c
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// rowScanner adapts a scan function to pgx.Row.
type rowScanner func(dest ...any) error

func (f rowScanner) Scan(dest ...any) error { return f(dest...) }

func statusStrings(in []models.BusinessStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

// TaskWithCounts reads a task and its business status counts from one snapshot.
func (s *Store) TaskWithCounts(ctx context.Context, id int64) (models.Task, status.Counts, error) {
	var task models.Task
	var counts status.Counts
	err := s.ReadSnapshot(ctx, func(tx *Tx) error {
		var err error
		if task, err = tx.GetTask(ctx, id); err != nil {
			return err
		}
		counts, err = tx.BusinessStatusCounts(ctx, id)
		return err
	})
	return task, counts, err
}
