package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	Save(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByAccount(ctx context.Context, db *gorm.DB, accountID string) (*Subscription, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListByState(ctx context.Context, db *gorm.DB, state State, limit int) ([]Subscription, error)
	ListOpen(ctx context.Context, db *gorm.DB, limit int) ([]Subscription, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	AddRequests(ctx context.Context, db *gorm.DB, id snowflake.ID, n int64) error
}
