package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, fn *FunctionDescriptor) error
	Save(ctx context.Context, db *gorm.DB, fn *FunctionDescriptor) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*FunctionDescriptor, error)
	FindByName(ctx context.Context, db *gorm.DB, name string) (*FunctionDescriptor, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string) ([]FunctionDescriptor, error)
	ListByState(ctx context.Context, db *gorm.DB, state State, limit int) ([]FunctionDescriptor, error)
	CountActive(ctx context.Context, db *gorm.DB, accountID string) (int64, error)
}
