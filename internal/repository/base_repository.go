package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	appErr "github.com/dockhand/engine/pkg/errors"
)

// BaseRepository defines common CRUD operations.
type BaseRepository[T any] interface {
	Create(ctx context.Context, obj *T) error
	GetByID(ctx context.Context, id any, dest *T) error
	Update(ctx context.Context, obj *T) error
	Delete(ctx context.Context, id any) error
}

type baseRepository[T any] struct {
	db     *gorm.DB
	entity string
	key    string
}

// NewBaseRepository returns CRUD helpers for T keyed by column key. The entity
// name is used in error messages.
func NewBaseRepository[T any](db *gorm.DB, entity, key string) BaseRepository[T] {
	return &baseRepository[T]{db: db, entity: entity, key: key}
}

func (r *baseRepository[T]) Create(ctx context.Context, obj *T) error {
	if err := r.db.WithContext(ctx).Create(obj).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return appErr.Wrap(err, appErr.CodeAlreadyExists, r.entity+" already exists")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "create "+r.entity+" failed")
	}
	return nil
}

func (r *baseRepository[T]) GetByID(ctx context.Context, id any, dest *T) error {
	if err := r.db.WithContext(ctx).First(dest, r.key+" = ?", id).Error; err != nil {
		return notFoundOr(err, r.entity)
	}
	return nil
}

func (r *baseRepository[T]) Update(ctx context.Context, obj *T) error {
	if err := r.db.WithContext(ctx).Save(obj).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "update "+r.entity+" failed")
	}
	return nil
}

func (r *baseRepository[T]) Delete(ctx context.Context, id any) error {
	var t T
	res := r.db.WithContext(ctx).Delete(&t, r.key+" = ?", id)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "delete "+r.entity+" failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, fmt.Sprintf("%s %v not found", r.entity, id))
	}
	return nil
}

func notFoundOr(err error, entity string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return appErr.New(appErr.CodeNotFound, entity+" not found")
	}
	return appErr.Wrap(err, appErr.CodeInternal, "get "+entity+" failed")
}
