package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPeriod(ctx context.Context, db *gorm.DB, period *BillingPeriod) error
	SavePeriod(ctx context.Context, db *gorm.DB, period *BillingPeriod) error
	FindPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingPeriod, error)
	FindOpenPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*BillingPeriod, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]BillingPeriod, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string, limit int) ([]BillingPeriod, error)

	InsertLineItems(ctx context.Context, db *gorm.DB, items []BillLineItem) error
	ListLineItems(ctx context.Context, db *gorm.DB, periodID snowflake.ID) ([]BillLineItem, error)
}
