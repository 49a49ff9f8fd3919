package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	functiondomain "github.com/openmetron/metron/internal/function/domain"
)

type repo struct{}

func Provide() functiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, fn *functiondomain.FunctionDescriptor) error {
	return db.WithContext(ctx).Create(fn).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, fn *functiondomain.FunctionDescriptor) error {
	return db.WithContext(ctx).Save(fn).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*functiondomain.FunctionDescriptor, error) {
	var fn functiondomain.FunctionDescriptor
	err := db.WithContext(ctx).Where("id = ?", id).Take(&fn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fn, nil
}

func (r *repo) FindByName(ctx context.Context, db *gorm.DB, name string) (*functiondomain.FunctionDescriptor, error) {
	var fn functiondomain.FunctionDescriptor
	err := db.WithContext(ctx).Where("name = ?", name).Take(&fn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fn, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]functiondomain.FunctionDescriptor, error) {
	var fns []functiondomain.FunctionDescriptor
	err := db.WithContext(ctx).
		Where("account_id = ? AND state <> ?", accountID, functiondomain.StateDeleted).
		Order("name ASC").
		Find(&fns).Error
	if err != nil {
		return nil, err
	}
	return fns, nil
}

func (r *repo) ListByState(ctx context.Context, db *gorm.DB, state functiondomain.State, limit int) ([]functiondomain.FunctionDescriptor, error) {
	var fns []functiondomain.FunctionDescriptor
	err := db.WithContext(ctx).
		Where("state = ?", state).
		Order("updated_at ASC").
		Limit(limit).
		Find(&fns).Error
	if err != nil {
		return nil, err
	}
	return fns, nil
}

func (r *repo) CountActive(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&functiondomain.FunctionDescriptor{}).
		Where("account_id = ? AND state IN ?", accountID, []functiondomain.State{
			functiondomain.StatePending,
			functiondomain.StateActive,
			functiondomain.StateSuspended,
		}).
		Count(&count).Error
	return count, err
}
