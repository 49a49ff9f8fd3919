package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/openmetron/metron/internal/billing/domain"
	billingrepository "github.com/openmetron/metron/internal/billing/repository"
	"github.com/openmetron/metron/internal/clock"
	"github.com/openmetron/metron/internal/config"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	functionrepository "github.com/openmetron/metron/internal/function/repository"
	plandomain "github.com/openmetron/metron/internal/plan/domain"
	planrepository "github.com/openmetron/metron/internal/plan/repository"
	planservice "github.com/openmetron/metron/internal/plan/service"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
	subscriptionrepository "github.com/openmetron/metron/internal/subscription/repository"
	usagedomain "github.com/openmetron/metron/internal/usage/domain"
	usagerepository "github.com/openmetron/metron/internal/usage/repository"
)

type fixture struct {
	svc   billingdomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock

	periodStart time.Time
	periodEnd   time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&plandomain.TariffPlan{},
		&plandomain.PricingRule{},
		&plandomain.PricingRuleTier{},
		&functiondomain.FunctionDescriptor{},
		&usagedomain.UsageSample{},
		&subscriptiondomain.Subscription{},
		&billingdomain.BillingPeriod{},
		&billingdomain.BillLineItem{},
	); err != nil {
		t.Fatal(err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(start)

	planRepo := planrepository.Provide()
	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Policy:   config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Repo:     billingrepository.Provide(),
		SubRepo:  subscriptionrepository.Provide(),
		PlanRepo: planRepo,
		PlanSvc: planservice.New(planservice.Params{
			DB:   db,
			Log:  zap.NewNop(),
			Repo: planRepo,
		}),
		FnRepo:    functionrepository.Provide(),
		UsageRepo: usagerepository.Provide(),
	})

	return &fixture{
		svc:         svc,
		db:          db,
		node:        node,
		clock:       fake,
		periodStart: start,
		periodEnd:   start.AddDate(0, 1, 0),
	}
}

// createAccount wires a plan, a subscription and one active function.
func (f *fixture) createAccount(t *testing.T, accountID string, feeCents int64, priceMicros int64) *subscriptiondomain.Subscription {
	t.Helper()

	plan := &plandomain.TariffPlan{
		ID:              f.node.Generate(),
		Code:            "plan-" + accountID,
		Name:            "Plan " + accountID,
		Currency:        "USD",
		MonthlyFeeCents: feeCents,
		Active:          true,
	}
	if err := f.db.Create(plan).Error; err != nil {
		t.Fatal(err)
	}
	rule := &plandomain.PricingRule{
		ID:              f.node.Generate(),
		PlanID:          plan.ID,
		Dimension:       usagedomain.DimensionRequests,
		UnitPriceMicros: priceMicros,
	}
	if err := f.db.Create(rule).Error; err != nil {
		t.Fatal(err)
	}

	sub := &subscriptiondomain.Subscription{
		ID:          f.node.Generate(),
		AccountID:   accountID,
		PlanID:      plan.ID,
		State:       subscriptiondomain.StateActive,
		PeriodStart: f.periodStart,
		PeriodEnd:   f.periodEnd,
	}
	if err := f.db.Create(sub).Error; err != nil {
		t.Fatal(err)
	}

	fn := &functiondomain.FunctionDescriptor{
		ID:        f.node.Generate(),
		AccountID: accountID,
		Name:      "fn-" + accountID,
		Image:     "example/app:1",
		State:     functiondomain.StateActive,
		CreatedAt: f.periodStart,
		UpdatedAt: f.periodStart,
	}
	if err := f.db.Create(fn).Error; err != nil {
		t.Fatal(err)
	}
	return sub
}

// coverPeriod writes instance samples spanning the whole period so the
// coverage check passes.
func (f *fixture) coverPeriod(t *testing.T, accountID string) {
	t.Helper()
	var fn functiondomain.FunctionDescriptor
	if err := f.db.First(&fn, "account_id = ?", accountID).Error; err != nil {
		t.Fatal(err)
	}
	sample := usagedomain.UsageSample{
		ID:          f.node.Generate(),
		FunctionID:  fn.ID,
		AccountID:   accountID,
		Dimension:   usagedomain.DimensionInstanceSeconds,
		Quantity:    0,
		WindowStart: f.periodStart,
		WindowEnd:   f.periodEnd,
	}
	if err := f.db.Create(&sample).Error; err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) addRequests(t *testing.T, accountID string, qty float64) {
	t.Helper()
	var fn functiondomain.FunctionDescriptor
	if err := f.db.First(&fn, "account_id = ?", accountID).Error; err != nil {
		t.Fatal(err)
	}
	sample := usagedomain.UsageSample{
		ID:          f.node.Generate(),
		FunctionID:  fn.ID,
		AccountID:   accountID,
		Dimension:   usagedomain.DimensionRequests,
		Quantity:    qty,
		WindowStart: f.periodStart,
		WindowEnd:   f.periodStart.Add(time.Hour),
	}
	if err := f.db.Create(&sample).Error; err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) openPeriod(t *testing.T, accountID string) *billingdomain.BillingPeriod {
	t.Helper()
	if err := f.svc.EnsurePeriods(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	var period billingdomain.BillingPeriod
	if err := f.db.First(&period, "account_id = ?", accountID).Error; err != nil {
		t.Fatal(err)
	}
	return &period
}

func TestEnsurePeriodsIsIdempotent(t *testing.T) {
	f := setup(t)
	f.createAccount(t, "acct-1", 1000, 40)
	ctx := context.Background()

	if err := f.svc.EnsurePeriods(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.EnsurePeriods(ctx, 100); err != nil {
		t.Fatal(err)
	}

	var count int64
	f.db.Model(&billingdomain.BillingPeriod{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 period, got %d", count)
	}
}

func TestCloseDueRatesAndCloses(t *testing.T) {
	f := setup(t)
	f.createAccount(t, "acct-1", 1000, 40)
	f.coverPeriod(t, "acct-1")
	f.addRequests(t, "acct-1", 1_000_000)
	period := f.openPeriod(t, "acct-1")
	ctx := context.Background()

	// Nothing closes before the period elapses.
	if err := f.svc.CloseDue(ctx, 100); err != nil {
		t.Fatal(err)
	}
	var got billingdomain.BillingPeriod
	f.db.First(&got, "id = ?", period.ID)
	if got.State != billingdomain.PeriodOpen {
		t.Fatalf("period closed early: %s", got.State)
	}

	f.clock.Advance(f.periodEnd.Sub(f.periodStart) + time.Hour)
	if err := f.svc.CloseDue(ctx, 100); err != nil {
		t.Fatal(err)
	}

	f.db.First(&got, "id = ?", period.ID)
	if got.State != billingdomain.PeriodClosed {
		t.Fatalf("expected closed, got %s", got.State)
	}
	if got.BaseFeeCents != 1000 {
		t.Fatalf("expected base fee 1000, got %d", got.BaseFeeCents)
	}
	// 1M requests at 40 micro-cents is 40 cents.
	if got.UsageCents != 40 {
		t.Fatalf("expected 40 usage cents, got %d", got.UsageCents)
	}
	if got.TotalCents != 1040 {
		t.Fatalf("expected total 1040, got %d", got.TotalCents)
	}
	if got.ClosedAt == nil {
		t.Fatal("expected ClosedAt to be set")
	}

	var items []billingdomain.BillLineItem
	f.db.Where("period_id = ?", period.ID).Find(&items)
	if len(items) != 1 {
		t.Fatalf("expected 1 line item, got %d", len(items))
	}
	if items[0].Dimension != usagedomain.DimensionRequests {
		t.Fatalf("unexpected dimension %q", items[0].Dimension)
	}
}

func TestClosePeriodIsReplayable(t *testing.T) {
	f := setup(t)
	f.createAccount(t, "acct-1", 0, 40)
	f.coverPeriod(t, "acct-1")
	f.addRequests(t, "acct-1", 500_000)
	period := f.openPeriod(t, "acct-1")
	ctx := context.Background()

	f.clock.Advance(f.periodEnd.Sub(f.periodStart) + time.Hour)
	if err := f.svc.CloseDue(ctx, 100); err != nil {
		t.Fatal(err)
	}

	// Replaying the close inserts no duplicate line items.
	var reopened billingdomain.BillingPeriod
	f.db.First(&reopened, "id = ?", period.ID)
	reopened.State = billingdomain.PeriodOpen
	f.db.Save(&reopened)
	if err := f.svc.CloseDue(ctx, 100); err != nil {
		t.Fatal(err)
	}

	var count int64
	f.db.Model(&billingdomain.BillLineItem{}).Where("period_id = ?", period.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 line item after replay, got %d", count)
	}
}

func TestCloseDueHoldsOnCoverageShortfall(t *testing.T) {
	f := setup(t)
	f.createAccount(t, "acct-1", 1000, 40)
	// No instance samples at all: nothing was collected.
	f.addRequests(t, "acct-1", 1_000_000)
	period := f.openPeriod(t, "acct-1")
	ctx := context.Background()

	f.clock.Advance(f.periodEnd.Sub(f.periodStart) + time.Hour)
	if err := f.svc.CloseDue(ctx, 100); err != nil {
		t.Fatal(err)
	}

	var got billingdomain.BillingPeriod
	f.db.First(&got, "id = ?", period.ID)
	if got.State != billingdomain.PeriodHeld {
		t.Fatalf("expected held, got %s", got.State)
	}
	if got.HoldReason == "" {
		t.Fatal("expected a hold reason")
	}

	var count int64
	f.db.Model(&billingdomain.BillLineItem{}).Count(&count)
	if count != 0 {
		t.Fatal("held period must not be billed")
	}
}

func TestReleaseHeldClosesWithoutCoverage(t *testing.T) {
	f := setup(t)
	f.createAccount(t, "acct-1", 1000, 40)
	f.addRequests(t, "acct-1", 1_000_000)
	period := f.openPeriod(t, "acct-1")
	ctx := context.Background()

	f.clock.Advance(f.periodEnd.Sub(f.periodStart) + time.Hour)
	if err := f.svc.CloseDue(ctx, 100); err != nil {
		t.Fatal(err)
	}

	resp, err := f.svc.ReleaseHeld(ctx, period.ID.String())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if resp.State != billingdomain.PeriodClosed {
		t.Fatalf("expected closed, got %s", resp.State)
	}
	if resp.TotalCents != 1040 {
		t.Fatalf("expected total 1040, got %d", resp.TotalCents)
	}
}

func TestReleaseHeldRejectsNonHeld(t *testing.T) {
	f := setup(t)
	f.createAccount(t, "acct-1", 0, 40)
	period := f.openPeriod(t, "acct-1")

	if _, err := f.svc.ReleaseHeld(context.Background(), period.ID.String()); err != billingdomain.ErrPeriodNotHeld {
		t.Fatalf("expected ErrPeriodNotHeld, got %v", err)
	}
	if _, err := f.svc.ReleaseHeld(context.Background(), "not-a-snowflake"); err != billingdomain.ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestCloseDrawsDownCredit(t *testing.T) {
	f := setup(t)
	sub := f.createAccount(t, "acct-1", 1000, 40)
	f.coverPeriod(t, "acct-1")
	ctx := context.Background()

	sub.CreditCents = 5000
	if err := f.db.Save(sub).Error; err != nil {
		t.Fatal(err)
	}
	period := f.openPeriod(t, "acct-1")

	f.clock.Advance(f.periodEnd.Sub(f.periodStart) + time.Hour)
	if err := f.svc.CloseDue(ctx, 100); err != nil {
		t.Fatal(err)
	}

	var got billingdomain.BillingPeriod
	f.db.First(&got, "id = ?", period.ID)
	if got.CreditAppliedCents != 1000 {
		t.Fatalf("expected 1000 cents credit applied, got %d", got.CreditAppliedCents)
	}
	if got.TotalCents != 0 {
		t.Fatalf("expected total 0, got %d", got.TotalCents)
	}

	var after subscriptiondomain.Subscription
	f.db.First(&after, "id = ?", sub.ID)
	if after.CreditCents != 4000 {
		t.Fatalf("expected 4000 cents remaining, got %d", after.CreditCents)
	}
}

func TestSummaryReportsRunningTotals(t *testing.T) {
	f := setup(t)
	f.createAccount(t, "acct-1", 1000, 40)
	f.addRequests(t, "acct-1", 250_000)
	f.openPeriod(t, "acct-1")
	f.clock.Advance(2 * time.Hour)

	resp, err := f.svc.Summary(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if resp.CurrentPeriod == nil {
		t.Fatal("expected a current period")
	}
	if resp.CurrentPeriod.State != billingdomain.PeriodOpen {
		t.Fatalf("expected open, got %s", resp.CurrentPeriod.State)
	}
	if len(resp.RunningTotals) != 1 {
		t.Fatalf("expected 1 running total, got %d", len(resp.RunningTotals))
	}
	// 250k requests at 40 micro-cents is 10 cents.
	if resp.RunningTotals[0].AmountCents != 10 {
		t.Fatalf("expected 10 cents, got %d", resp.RunningTotals[0].AmountCents)
	}
}
