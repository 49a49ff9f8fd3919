package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TariffPlan is a sellable plan. RequestLimit is the monthly invocation
// quota; nil means unlimited.
type TariffPlan struct {
	ID              snowflake.ID      `json:"id" gorm:"primaryKey"`
	Code            string            `json:"code" gorm:"type:text;not null;uniqueIndex"`
	Name            string            `json:"name" gorm:"type:text;not null"`
	Currency        string            `json:"currency" gorm:"type:text;not null;default:USD"`
	MonthlyFeeCents int64             `json:"monthly_fee_cents" gorm:"not null;default:0"`
	RequestLimit    *int64            `json:"request_limit,omitempty"`
	MaxFunctions    int               `json:"max_functions" gorm:"not null;default:0"`
	DefaultMinScale int               `json:"default_min_scale" gorm:"not null;default:0"`
	DefaultMaxScale int               `json:"default_max_scale" gorm:"not null;default:3"`
	Active          bool              `json:"active" gorm:"not null;default:true"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt       time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TariffPlan) TableName() string { return "tariff_plans" }

// PricingRule prices one dimension of a plan. UnitPriceMicros is the price
// of one base unit in millionths of the currency's minor unit, so integer
// arithmetic carries exact sub-cent rates. FreeAllowance is subtracted from
// the billed quantity before any tier applies, floored at zero.
type PricingRule struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	PlanID          snowflake.ID `json:"plan_id" gorm:"not null;index:idx_pricing_rules_plan_dimension,unique,priority:1"`
	Dimension       string       `json:"dimension" gorm:"type:text;not null;index:idx_pricing_rules_plan_dimension,unique,priority:2"`
	UnitPriceMicros int64        `json:"unit_price_micros" gorm:"not null;default:0"`
	FreeAllowance   float64      `json:"free_allowance" gorm:"type:numeric;not null;default:0"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PricingRule) TableName() string { return "pricing_rules" }

// PricingRuleTier is one graduated band of a rule. UpTo is the cumulative
// quantity at which the band ends; nil marks the unbounded final band.
// Bands are ordered by Position and must be contiguous from zero.
type PricingRuleTier struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	RuleID          snowflake.ID `json:"rule_id" gorm:"not null;index"`
	UpTo            *float64     `json:"up_to,omitempty" gorm:"type:numeric"`
	UnitPriceMicros int64        `json:"unit_price_micros" gorm:"not null"`
	Position        int          `json:"position" gorm:"not null"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PricingRuleTier) TableName() string { return "pricing_rule_tiers" }
