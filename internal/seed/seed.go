// Package seed installs the default tariff plans so a fresh deployment
// has something to subscribe to.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	plandomain "github.com/openmetron/metron/internal/plan/domain"
	usagedomain "github.com/openmetron/metron/internal/usage/domain"
)

type tierSeed struct {
	UpTo            *float64
	UnitPriceMicros int64
}

type ruleSeed struct {
	Dimension       string
	UnitPriceMicros int64
	FreeAllowance   float64
	Tiers           []tierSeed
}

type planSeed struct {
	Code            string
	Name            string
	MonthlyFeeCents int64
	RequestLimit    *int64
	MaxFunctions    int
	DefaultMaxScale int
	Rules           []ruleSeed
}

// Prices are micro-cents per base unit. Request and compute rates track
// public serverless pricing; the cold start penalty is half a cent.
func defaultPlans() []planSeed {
	return []planSeed{
		{
			Code:            "starter",
			Name:            "Starter",
			MonthlyFeeCents: 0,
			RequestLimit:    limit(100_000),
			MaxFunctions:    5,
			DefaultMaxScale: 5,
			Rules: []ruleSeed{
				{Dimension: usagedomain.DimensionRequests, UnitPriceMicros: 40, FreeAllowance: 100_000},
				{Dimension: usagedomain.DimensionInstanceSeconds, UnitPriceMicros: 10, FreeAllowance: 180_000},
				{Dimension: usagedomain.DimensionCPUMillicoreSeconds, UnitPriceMicros: 2, FreeAllowance: 180_000},
				{Dimension: usagedomain.DimensionMemoryMBSeconds, UnitPriceMicros: 2, FreeAllowance: 360_000},
				{Dimension: usagedomain.DimensionColdStarts, UnitPriceMicros: 500_000, FreeAllowance: 1_000},
			},
		},
		{
			Code:            "professional",
			Name:            "Professional",
			MonthlyFeeCents: 2999,
			RequestLimit:    limit(10_000_000),
			MaxFunctions:    20,
			DefaultMaxScale: 10,
			Rules: []ruleSeed{
				{
					Dimension:     usagedomain.DimensionRequests,
					FreeAllowance: 2_000_000,
					Tiers: []tierSeed{
						{UpTo: bound(10_000_000), UnitPriceMicros: 40},
						{UpTo: nil, UnitPriceMicros: 30},
					},
				},
				{Dimension: usagedomain.DimensionInstanceSeconds, UnitPriceMicros: 10},
				{Dimension: usagedomain.DimensionCPUMillicoreSeconds, UnitPriceMicros: 2},
				{Dimension: usagedomain.DimensionMemoryMBSeconds, UnitPriceMicros: 2},
				{Dimension: usagedomain.DimensionColdStarts, UnitPriceMicros: 500_000},
			},
		},
		{
			Code:            "enterprise",
			Name:            "Enterprise",
			MonthlyFeeCents: 9999,
			RequestLimit:    nil,
			MaxFunctions:    100,
			DefaultMaxScale: 20,
			Rules: []ruleSeed{
				{
					Dimension:     usagedomain.DimensionRequests,
					FreeAllowance: 10_000_000,
					Tiers: []tierSeed{
						{UpTo: bound(100_000_000), UnitPriceMicros: 30},
						{UpTo: nil, UnitPriceMicros: 25},
					},
				},
				{Dimension: usagedomain.DimensionInstanceSeconds, UnitPriceMicros: 8},
				{Dimension: usagedomain.DimensionCPUMillicoreSeconds, UnitPriceMicros: 2},
				{Dimension: usagedomain.DimensionMemoryMBSeconds, UnitPriceMicros: 1},
				{Dimension: usagedomain.DimensionColdStarts, UnitPriceMicros: 400_000},
			},
		},
	}
}

// EnsureDefaultPlans seeds missing plans. Existing plans are left alone
// so operator price changes survive restarts.
func EnsureDefaultPlans(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, seed := range defaultPlans() {
			if err := ensurePlanTx(ctx, tx, node, seed); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensurePlanTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, seed planSeed) error {
	var existing plandomain.TariffPlan
	err := tx.WithContext(ctx).Where("code = ?", seed.Code).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	plan := plandomain.TariffPlan{
		ID:              node.Generate(),
		Code:            seed.Code,
		Name:            seed.Name,
		Currency:        "USD",
		MonthlyFeeCents: seed.MonthlyFeeCents,
		RequestLimit:    seed.RequestLimit,
		MaxFunctions:    seed.MaxFunctions,
		DefaultMinScale: 0,
		DefaultMaxScale: seed.DefaultMaxScale,
		Active:          true,
	}
	if err := tx.WithContext(ctx).Create(&plan).Error; err != nil {
		return err
	}

	for _, rs := range seed.Rules {
		rule := plandomain.PricingRule{
			ID:              node.Generate(),
			PlanID:          plan.ID,
			Dimension:       rs.Dimension,
			UnitPriceMicros: rs.UnitPriceMicros,
			FreeAllowance:   rs.FreeAllowance,
		}
		if err := tx.WithContext(ctx).Create(&rule).Error; err != nil {
			return err
		}

		for i, ts := range rs.Tiers {
			tier := plandomain.PricingRuleTier{
				ID:              node.Generate(),
				RuleID:          rule.ID,
				UpTo:            ts.UpTo,
				UnitPriceMicros: ts.UnitPriceMicros,
				Position:        i,
			}
			if err := tx.WithContext(ctx).Create(&tier).Error; err != nil {
				return err
			}
		}
	}

	return nil
}

func limit(n int64) *int64 { return &n }

func bound(v float64) *float64 { return &v }
