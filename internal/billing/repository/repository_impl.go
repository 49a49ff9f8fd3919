package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	billingdomain "github.com/openmetron/metron/internal/billing/domain"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) InsertPeriod(ctx context.Context, db *gorm.DB, period *billingdomain.BillingPeriod) error {
	return db.WithContext(ctx).Create(period).Error
}

func (r *repo) SavePeriod(ctx context.Context, db *gorm.DB, period *billingdomain.BillingPeriod) error {
	return db.WithContext(ctx).Save(period).Error
}

func (r *repo) FindPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.BillingPeriod, error) {
	var period billingdomain.BillingPeriod
	err := db.WithContext(ctx).Where("id = ?", id).Take(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

func (r *repo) FindOpenPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*billingdomain.BillingPeriod, error) {
	var period billingdomain.BillingPeriod
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND state = ?", subscriptionID, billingdomain.PeriodOpen).
		Order("period_start DESC").
		Take(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]billingdomain.BillingPeriod, error) {
	var periods []billingdomain.BillingPeriod
	err := db.WithContext(ctx).
		Where("state IN ? AND period_end <= ?", []billingdomain.PeriodState{
			billingdomain.PeriodOpen,
			billingdomain.PeriodClosing,
		}, now).
		Order("period_end ASC").
		Limit(limit).
		Find(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string, limit int) ([]billingdomain.BillingPeriod, error) {
	var periods []billingdomain.BillingPeriod
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("period_start DESC").
		Limit(limit).
		Find(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

// InsertLineItems is idempotent on the checksum: rows the rater already
// wrote for the same period and totals are silently skipped.
func (r *repo) InsertLineItems(ctx context.Context, db *gorm.DB, items []billingdomain.BillLineItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "checksum"}},
			DoNothing: true,
		}).
		Create(items).Error
}

func (r *repo) ListLineItems(ctx context.Context, db *gorm.DB, periodID snowflake.ID) ([]billingdomain.BillLineItem, error) {
	var items []billingdomain.BillLineItem
	err := db.WithContext(ctx).
		Where("period_id = ?", periodID).
		Order("dimension ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
