package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, plan *TariffPlan) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*TariffPlan, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*TariffPlan, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]TariffPlan, error)

	InsertRule(ctx context.Context, db *gorm.DB, rule *PricingRule) error
	InsertTier(ctx context.Context, db *gorm.DB, tier *PricingRuleTier) error
	RulesForPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]PricingRule, error)
	TiersForRule(ctx context.Context, db *gorm.DB, ruleID snowflake.ID) ([]PricingRuleTier, error)
}
