package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/openmetron/metron/internal/billing/domain"
	"github.com/openmetron/metron/internal/clock"
	"github.com/openmetron/metron/internal/config"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	obsmetrics "github.com/openmetron/metron/internal/observability/metrics"
	plandomain "github.com/openmetron/metron/internal/plan/domain"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
	usagedomain "github.com/openmetron/metron/internal/usage/domain"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Policy    *config.PolicyHolder
	Repo      billingdomain.Repository
	SubRepo   subscriptiondomain.Repository
	PlanRepo  plandomain.Repository
	PlanSvc   plandomain.Service
	FnRepo    functiondomain.Repository
	UsageRepo usagedomain.Repository
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.PolicyHolder
	repo      billingdomain.Repository
	subRepo   subscriptiondomain.Repository
	planRepo  plandomain.Repository
	planSvc   plandomain.Service
	fnRepo    functiondomain.Repository
	usageRepo usagedomain.Repository
	metrics   *obsmetrics.Metrics
}

func New(p Params) billingdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("billing.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		repo:      p.Repo,
		subRepo:   p.SubRepo,
		planRepo:  p.PlanRepo,
		planSvc:   p.PlanSvc,
		fnRepo:    p.FnRepo,
		usageRepo: p.UsageRepo,
		metrics:   p.Metrics,
	}
}

func (s *Service) EnsurePeriods(ctx context.Context, batchSize int) error {
	subs, err := s.subRepo.ListOpen(ctx, s.db, batchSize)
	if err != nil {
		return err
	}

	var jobErr error
	now := s.clock.Now()
	for i := range subs {
		sub := &subs[i]
		open, err := s.repo.FindOpenPeriod(ctx, s.db, sub.ID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if open != nil {
			continue
		}

		plan, err := s.planRepo.FindByID(ctx, s.db, sub.PlanID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		currency := "USD"
		if plan != nil {
			currency = plan.Currency
		}

		period := &billingdomain.BillingPeriod{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			AccountID:      sub.AccountID,
			PlanID:         sub.PlanID,
			PeriodStart:    sub.PeriodStart,
			PeriodEnd:      sub.PeriodEnd,
			State:          billingdomain.PeriodOpen,
			Currency:       currency,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.InsertPeriod(ctx, s.db, period); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

func (s *Service) CloseDue(ctx context.Context, batchSize int) error {
	now := s.clock.Now()
	periods, err := s.repo.ListDue(ctx, s.db, now, batchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for i := range periods {
		if err := s.closePeriod(ctx, &periods[i], false); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("period %s: %w", periods[i].ID, err))
		}
	}
	return jobErr
}

func (s *Service) ReleaseHeld(ctx context.Context, periodID string) (*billingdomain.PeriodResponse, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(periodID))
	if err != nil {
		return nil, billingdomain.ErrInvalidID
	}
	period, err := s.repo.FindPeriod(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, billingdomain.ErrPeriodNotFound
	}
	if period.State != billingdomain.PeriodHeld {
		return nil, billingdomain.ErrPeriodNotHeld
	}

	if err := s.closePeriod(ctx, period, true); err != nil {
		return nil, err
	}
	return s.toPeriodResponse(ctx, period, true), nil
}

// closePeriod rates one elapsed period and finalizes it. Unless
// skipCoverage is set, a period whose recorded instance windows cover too
// little of the elapsed time is parked held instead of billed.
func (s *Service) closePeriod(ctx context.Context, period *billingdomain.BillingPeriod, skipCoverage bool) error {
	now := s.clock.Now()

	period.State = billingdomain.PeriodClosing
	period.UpdatedAt = now
	if err := s.repo.SavePeriod(ctx, s.db, period); err != nil {
		return err
	}

	if !skipCoverage {
		held, reason, err := s.coverageShortfall(ctx, period)
		if err != nil {
			return err
		}
		if held {
			period.State = billingdomain.PeriodHeld
			period.HoldReason = reason
			period.UpdatedAt = now
			s.log.Warn("billing period held",
				zap.String("account_id", period.AccountID),
				zap.String("reason", reason),
			)
			return s.repo.SavePeriod(ctx, s.db, period)
		}
	}

	totals, err := s.usageTotals(ctx, period.AccountID, period.PeriodStart, period.PeriodEnd)
	if err != nil {
		return err
	}
	rules, err := s.planSvc.PricingForPlan(ctx, period.PlanID.String())
	if err != nil {
		return err
	}
	lines := Rate(rules, totals)

	plan, err := s.planRepo.FindByID(ctx, s.db, period.PlanID)
	if err != nil {
		return err
	}
	baseFee := int64(0)
	if plan != nil {
		baseFee = plan.MonthlyFeeCents
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := make([]billingdomain.BillLineItem, 0, len(lines))
		var usageCents int64
		for _, line := range lines {
			usageCents += line.AmountCents
			items = append(items, billingdomain.BillLineItem{
				ID:          s.genID.Generate(),
				PeriodID:    period.ID,
				Dimension:   line.Dimension,
				Quantity:    line.Quantity,
				AmountCents: line.AmountCents,
				Checksum:    lineChecksum(period.ID, line),
				CreatedAt:   now,
			})
		}
		if err := s.repo.InsertLineItems(ctx, tx, items); err != nil {
			return err
		}

		creditApplied := int64(0)
		sub, err := s.subRepo.FindByID(ctx, tx, period.SubscriptionID)
		if err != nil {
			return err
		}
		gross := baseFee + usageCents
		if sub != nil && sub.CreditCents > 0 && gross > 0 {
			creditApplied = sub.CreditCents
			if creditApplied > gross {
				creditApplied = gross
			}
			sub.CreditCents -= creditApplied
			sub.UpdatedAt = now
			if err := s.subRepo.Save(ctx, tx, sub); err != nil {
				return err
			}
		}

		period.State = billingdomain.PeriodClosed
		period.BaseFeeCents = baseFee
		period.UsageCents = usageCents
		period.CreditAppliedCents = creditApplied
		period.TotalCents = gross - creditApplied
		period.HoldReason = ""
		period.ClosedAt = &now
		period.UpdatedAt = now
		if err := s.repo.SavePeriod(ctx, tx, period); err != nil {
			return err
		}

		for _, line := range lines {
			s.metrics.IncLineItems(ctx, line.Dimension, 1)
		}
		s.log.Info("billing period closed",
			zap.String("account_id", period.AccountID),
			zap.Int64("total_cents", period.TotalCents),
			zap.Int("line_items", len(items)),
		)
		return nil
	})
}

// coverageShortfall compares recorded instance windows against the wall
// time the account's functions existed in the period. The collector writes
// a window per function per tick even at zero replicas, so healthy
// collection covers the period regardless of scale.
func (s *Service) coverageShortfall(ctx context.Context, period *billingdomain.BillingPeriod) (bool, string, error) {
	tolerance := s.policy.Get().CoverageTolerance
	if tolerance >= 1 {
		return false, "", nil
	}

	fns, err := s.fnRepo.ListByAccount(ctx, s.db, period.AccountID)
	if err != nil {
		return false, "", err
	}
	var expected time.Duration
	for i := range fns {
		from := period.PeriodStart
		if fns[i].CreatedAt.After(from) {
			from = fns[i].CreatedAt
		}
		if span := period.PeriodEnd.Sub(from); span > 0 {
			expected += span
		}
	}
	if expected == 0 {
		return false, "", nil
	}

	sampled, err := s.usageRepo.SampledWindow(ctx, s.db, period.AccountID, period.PeriodStart, period.PeriodEnd)
	if err != nil {
		return false, "", err
	}
	covered := float64(sampled) / float64(expected)
	if covered < 1-tolerance {
		return true, fmt.Sprintf("usage coverage %.1f%% below tolerance", covered*100), nil
	}
	return false, "", nil
}

func (s *Service) Summary(ctx context.Context, accountID string) (*billingdomain.SummaryResponse, error) {
	resp := &billingdomain.SummaryResponse{AccountID: accountID}

	periods, err := s.repo.ListByAccount(ctx, s.db, accountID, 12)
	if err != nil {
		return nil, err
	}
	for i := range periods {
		period := &periods[i]
		if period.State == billingdomain.PeriodOpen && resp.CurrentPeriod == nil {
			resp.CurrentPeriod = s.toPeriodResponse(ctx, period, false)
			continue
		}
		resp.RecentPeriods = append(resp.RecentPeriods, *s.toPeriodResponse(ctx, period, true))
	}

	if resp.CurrentPeriod != nil {
		totals, err := s.usageTotals(ctx, accountID, resp.CurrentPeriod.PeriodStart, s.clock.Now())
		if err != nil {
			return nil, err
		}
		sub, err := s.subRepo.FindByAccount(ctx, s.db, accountID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			rules, err := s.planSvc.PricingForPlan(ctx, sub.PlanID.String())
			if err != nil {
				return nil, err
			}
			for _, line := range Rate(rules, totals) {
				resp.RunningTotals = append(resp.RunningTotals, billingdomain.LineItemResponse{
					Dimension:   line.Dimension,
					Quantity:    line.Quantity,
					AmountCents: line.AmountCents,
				})
			}
		}
	}
	return resp, nil
}

func (s *Service) usageTotals(ctx context.Context, accountID string, from, to time.Time) (map[string]float64, error) {
	rows, err := s.usageRepo.SumByDimension(ctx, s.db, accountID, from, to)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]float64, len(rows))
	for _, row := range rows {
		totals[row.Dimension] = row.Quantity
	}
	return totals, nil
}

func (s *Service) toPeriodResponse(ctx context.Context, period *billingdomain.BillingPeriod, withLines bool) *billingdomain.PeriodResponse {
	resp := &billingdomain.PeriodResponse{
		ID:                 period.ID.String(),
		PeriodStart:        period.PeriodStart,
		PeriodEnd:          period.PeriodEnd,
		State:              period.State,
		Currency:           period.Currency,
		BaseFeeCents:       period.BaseFeeCents,
		UsageCents:         period.UsageCents,
		CreditAppliedCents: period.CreditAppliedCents,
		TotalCents:         period.TotalCents,
		HoldReason:         period.HoldReason,
	}
	if withLines && period.State == billingdomain.PeriodClosed {
		items, err := s.repo.ListLineItems(ctx, s.db, period.ID)
		if err != nil {
			s.log.Warn("line item lookup failed", zap.Error(err))
			return resp
		}
		for _, item := range items {
			resp.LineItems = append(resp.LineItems, billingdomain.LineItemResponse{
				Dimension:   item.Dimension,
				Quantity:    item.Quantity,
				AmountCents: item.AmountCents,
			})
		}
	}
	return resp
}
