package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	usagedomain "github.com/openmetron/metron/internal/usage/domain"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) InsertSamples(ctx context.Context, db *gorm.DB, samples []usagedomain.UsageSample) error {
	if len(samples) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(samples, 200).Error
}

func (r *repo) ListUnapplied(ctx context.Context, db *gorm.DB, dimension string, limit int) ([]usagedomain.UsageSample, error) {
	var samples []usagedomain.UsageSample
	q := db.WithContext(ctx).
		Where("applied_at IS NULL").
		Order("window_start ASC").
		Limit(limit)
	if dimension != "" {
		q = q.Where("dimension = ?", dimension)
	}
	if err := q.Find(&samples).Error; err != nil {
		return nil, err
	}
	return samples, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&usagedomain.UsageSample{}).
		Where("id IN ? AND applied_at IS NULL", ids).
		Update("applied_at", at).Error
}

func (r *repo) SumByDimension(ctx context.Context, db *gorm.DB, accountID string, from, to time.Time) ([]usagedomain.DimensionTotal, error) {
	var totals []usagedomain.DimensionTotal
	err := db.WithContext(ctx).
		Model(&usagedomain.UsageSample{}).
		Select("dimension, SUM(quantity) AS quantity").
		Where("account_id = ? AND window_start >= ? AND window_start < ?", accountID, from, to).
		Group("dimension").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// SampledWindow sums the wall time covered by instance_seconds samples for
// the account in the range. Used by the coverage check at period close.
func (r *repo) SampledWindow(ctx context.Context, db *gorm.DB, accountID string, from, to time.Time) (time.Duration, error) {
	type window struct {
		WindowStart time.Time
		WindowEnd   time.Time
	}
	var windows []window
	err := db.WithContext(ctx).
		Model(&usagedomain.UsageSample{}).
		Select("window_start, window_end").
		Where("account_id = ? AND dimension = ? AND window_start >= ? AND window_start < ?",
			accountID, usagedomain.DimensionInstanceSeconds, from, to).
		Scan(&windows).Error
	if err != nil {
		return 0, err
	}
	var total time.Duration
	for _, w := range windows {
		if w.WindowEnd.After(w.WindowStart) {
			total += w.WindowEnd.Sub(w.WindowStart)
		}
	}
	return total, nil
}

func (r *repo) FindCursor(ctx context.Context, db *gorm.DB, functionID snowflake.ID) (*usagedomain.SampleCursor, error) {
	var cursor usagedomain.SampleCursor
	err := db.WithContext(ctx).
		Where("function_id = ?", functionID).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (r *repo) UpsertCursor(ctx context.Context, db *gorm.DB, cursor *usagedomain.SampleCursor) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "function_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_sampled_at", "miss_count", "updated_at"}),
		}).
		Create(cursor).Error
}

func (r *repo) DeleteCursor(ctx context.Context, db *gorm.DB, functionID snowflake.ID) error {
	return db.WithContext(ctx).
		Where("function_id = ?", functionID).
		Delete(&usagedomain.SampleCursor{}).Error
}
