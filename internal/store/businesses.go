package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"listing-curator/internal/models"
	"listing-curator/internal/status"
)

const businessColumns = `id, task_id, place_id, title, address, rating, description, description_en, description_es, description_fr,
	thumbnail_url, thumbnail_key, status, scraped_at, created_at, updated_at, is_deleted`

// BusinessStatusCounts aggregates the statuses of a task's businesses.
// Soft-deleted businesses are not part of the task and are not counted.
func (q queries) BusinessStatusCounts(ctx context.Context, taskID int64) (status.Counts, error) {
	rows, err := q.db.Query(ctx, `
		SELECT status, COUNT(*) FROM businesses
		WHERE task_id = $1 AND NOT is_deleted
		GROUP BY status
	`, taskID)
	if err != nil {
		return status.Counts{}, fmt.Errorf("count business statuses: %w", err)
	}
	defer rows.Close()

	var counts status.Counts
	for rows.Next() {
		var st models.BusinessStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return status.Counts{}, fmt.Errorf("scan status count: %w", err)
		}
		counts.Add(st, n)
	}
	if err := rows.Err(); err != nil {
		return status.Counts{}, fmt.Errorf("rows iteration: %w", err)
	}
	return counts, nil
}

// CreateBusiness inserts a business for its task.
func (q queries) CreateBusiness(ctx context.Context, b models.Business) (models.Business, error) {
	if b.Status == "" {
		b.Status = models.BusinessPending
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO businesses (task_id, place_id, title, address, rating, description, description_en, description_es, description_fr,
			thumbnail_url, status, scraped_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), NOW(), NOW())
		RETURNING `+businessColumns,
		b.TaskID, b.PlaceID, b.Title, b.Address, b.Rating, b.Description, b.DescriptionEN, b.DescriptionES, b.DescriptionFR,
		b.ThumbnailURL, b.Status, nullableTime(b.ScrapedAt))
	created, err := scanBusiness(row)
	if err != nil {
		return models.Business{}, fmt.Errorf("insert business: %w", err)
	}
	return created, nil
}

// GetBusiness reads a business row, soft-deleted rows included.
func (q queries) GetBusiness(ctx context.Context, id int64) (models.Business, error) {
	row := q.db.QueryRow(ctx, `SELECT `+businessColumns+` FROM businesses WHERE id = $1`, id)
	b, err := scanBusiness(row)
	if err != nil {
		return models.Business{}, notFound("business", id, err)
	}
	return b, nil
}

// LockBusiness reads a business and holds its row lock until the transaction ends.
func (q queries) LockBusiness(ctx context.Context, id int64) (models.Business, error) {
	row := q.db.QueryRow(ctx, `SELECT `+businessColumns+` FROM businesses WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBusiness(row)
	if err != nil {
		return models.Business{}, notFound("business", id, err)
	}
	return b, nil
}

// UpdateBusiness writes the curator-editable columns of b.
func (q queries) UpdateBusiness(ctx context.Context, b models.Business) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE businesses
		SET title = $2, address = $3, rating = $4, description = $5, description_en = $6, description_es = $7,
			description_fr = $8, thumbnail_url = $9, status = $10, updated_at = NOW()
		WHERE id = $1
	`, b.ID, b.Title, b.Address, b.Rating, b.Description, b.DescriptionEN, b.DescriptionES, b.DescriptionFR, b.ThumbnailURL, b.Status)
	if err != nil {
		return fmt.Errorf("update business: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("business %d: %w", b.ID, ErrNotFound)
	}
	return nil
}

// SetBusinessStatus changes only the status column.
func (q queries) SetBusinessStatus(ctx context.Context, id int64, st models.BusinessStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE businesses SET status = $2, updated_at = NOW() WHERE id = $1`, id, st)
	if err != nil {
		return fmt.Errorf("update business status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("business %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetBusinessDeleted soft-deletes or restores a business.
func (q queries) SetBusinessDeleted(ctx context.Context, id int64, deleted bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE businesses SET is_deleted = $2, deleted_with_task = FALSE, updated_at = NOW() WHERE id = $1`, id, deleted)
	if err != nil {
		return fmt.Errorf("update business deleted flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("business %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetThumbnailKey records where the processed thumbnail was stored.
func (q queries) SetThumbnailKey(ctx context.Context, id int64, key string) error {
	_, err := q.db.Exec(ctx, `UPDATE businesses SET thumbnail_key = $2, updated_at = NOW() WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("update thumbnail key: %w", err)
	}
	return nil
}

func scanBusiness(row pgx.Row) (models.Business, error) {
	var b models.Business
	var rating pgtype.Float8
	if err := row.Scan(&b.ID, &b.TaskID, &b.PlaceID, &b.Title, &b.Address, &rating, &b.Description, &b.DescriptionEN,
		&b.DescriptionES, &b.DescriptionFR, &b.ThumbnailURL, &b.ThumbnailKey, &b.Status, &b.ScrapedAt, &b.CreatedAt,
		&b.UpdatedAt, &b.IsDeleted); err != nil {
		return models.Business{}, err
	}
	b.Rating = floatPtr(rating)
	return b, nil
}
