package curation

import (
	"context"

	"listing-curator/internal/models"
	"listing-curator/internal/reconcile"
	"listing-curator/internal/store"
)

// Repository is the transaction-scoped storage used by the service.
type Repository interface {
	reconcile.Repository

	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	LockTask(ctx context.Context, id int64) (models.Task, error)
	SetTaskDeleted(ctx context.Context, id int64, deleted bool) error

	CreateBusiness(ctx context.Context, b models.Business) (models.Business, error)
	LockBusiness(ctx context.Context, id int64) (models.Business, error)
	UpdateBusiness(ctx context.Context, b models.Business) error
	SetBusinessStatus(ctx context.Context, id int64, st models.BusinessStatus) error
	SetBusinessDeleted(ctx context.Context, id int64, deleted bool) error

	// Savepoint runs fn in a nested transaction. An error from fn undoes only
	// the nested work.
	Savepoint(ctx context.Context, fn func(Repository) error) error
}

// Transactor opens units of work.
type Transactor interface {
	InTx(ctx context.Context, fn func(Repository) error) error
}

// PostgresTransactor runs units of work on a Postgres store.
type PostgresTransactor struct {
	Store *store.Store
}

func (p PostgresTransactor) InTx(ctx context.Context, fn func(Repository) error) error {
	return p.Store.InTx(ctx, func(tx *store.Tx) error {
		return fn(txRepository{tx})
	})
}

type txRepository struct {
	*store.Tx
}

func (r txRepository) Savepoint(ctx context.Context, fn func(Repository) error) error {
	return r.Tx.Savepoint(ctx, func(sp *store.Tx) error {
		return fn(txRepository{sp})
	})
}
