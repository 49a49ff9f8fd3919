package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Get(ctx context.Context, code string) (*PlanResponse, error)
	List(ctx context.Context) ([]PlanResponse, error)
	PricingForPlan(ctx context.Context, planID string) ([]RuleWithTiers, error)
}

// RuleWithTiers is a pricing rule joined with its ordered tier bands.
type RuleWithTiers struct {
	Rule  PricingRule
	Tiers []PricingRuleTier
}

type PlanResponse struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	Name            string    `json:"name"`
	Currency        string    `json:"currency"`
	MonthlyFeeCents int64     `json:"monthly_fee_cents"`
	RequestLimit    *int64    `json:"request_limit,omitempty"`
	MaxFunctions    int       `json:"max_functions"`
	DefaultMinScale int       `json:"default_min_scale"`
	DefaultMaxScale int       `json:"default_max_scale"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

var (
	ErrNotFound       = errors.New("plan_not_found")
	ErrInvalidID      = errors.New("invalid_plan_id")
	ErrInvalidTiers   = errors.New("invalid_tier_bands")
	ErrInvalidPricing = errors.New("invalid_pricing_rule")
)
