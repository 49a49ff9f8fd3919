package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DimensionTotal is an aggregated quantity for one dimension.
type DimensionTotal struct {
	Dimension string
	Quantity  float64
}

type Repository interface {
	InsertSamples(ctx context.Context, db *gorm.DB, samples []UsageSample) error
	ListUnapplied(ctx context.Context, db *gorm.DB, dimension string, limit int) ([]UsageSample, error)
	MarkApplied(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error
	SumByDimension(ctx context.Context, db *gorm.DB, accountID string, from, to time.Time) ([]DimensionTotal, error)
	SampledWindow(ctx context.Context, db *gorm.DB, accountID string, from, to time.Time) (time.Duration, error)

	FindCursor(ctx context.Context, db *gorm.DB, functionID snowflake.ID) (*SampleCursor, error)
	UpsertCursor(ctx context.Context, db *gorm.DB, cursor *SampleCursor) error
	DeleteCursor(ctx context.Context, db *gorm.DB, functionID snowflake.ID) error
}
