package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	billingdomain "github.com/openmetron/metron/internal/billing/domain"
	"github.com/openmetron/metron/internal/config"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	plandomain "github.com/openmetron/metron/internal/plan/domain"
	"github.com/openmetron/metron/internal/seed"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
	usagedomain "github.com/openmetron/metron/internal/usage/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Versioned migrations target postgres. Other dialects are
			// for local runs where AutoMigrate is enough.
			if err := conn.AutoMigrate(
				&plandomain.TariffPlan{},
				&plandomain.PricingRule{},
				&plandomain.PricingRuleTier{},
				&functiondomain.FunctionDescriptor{},
				&usagedomain.UsageSample{},
				&usagedomain.SampleCursor{},
				&subscriptiondomain.Subscription{},
				&billingdomain.BillingPeriod{},
				&billingdomain.BillLineItem{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultPlans(conn)
	}),
)
