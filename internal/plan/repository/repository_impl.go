package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	plandomain "github.com/openmetron/metron/internal/plan/domain"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *plandomain.TariffPlan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.TariffPlan, error) {
	var plan plandomain.TariffPlan
	err := db.WithContext(ctx).Where("id = ?", id).Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.TariffPlan, error) {
	var plan plandomain.TariffPlan
	err := db.WithContext(ctx).Where("code = ?", code).Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]plandomain.TariffPlan, error) {
	var plans []plandomain.TariffPlan
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("monthly_fee_cents ASC").
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) InsertRule(ctx context.Context, db *gorm.DB, rule *plandomain.PricingRule) error {
	return db.WithContext(ctx).Create(rule).Error
}

func (r *repo) InsertTier(ctx context.Context, db *gorm.DB, tier *plandomain.PricingRuleTier) error {
	return db.WithContext(ctx).Create(tier).Error
}

func (r *repo) RulesForPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]plandomain.PricingRule, error) {
	var rules []plandomain.PricingRule
	err := db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("dimension ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) TiersForRule(ctx context.Context, db *gorm.DB, ruleID snowflake.ID) ([]plandomain.PricingRuleTier, error) {
	var tiers []plandomain.PricingRuleTier
	err := db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("position ASC").
		Find(&tiers).Error
	if err != nil {
		return nil, err
	}
	return tiers, nil
}
