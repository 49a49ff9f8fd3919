package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openmetron/metron/internal/clock"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	obsmetrics "github.com/openmetron/metron/internal/observability/metrics"
	plandomain "github.com/openmetron/metron/internal/plan/domain"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
	usagedomain "github.com/openmetron/metron/internal/usage/domain"
	"github.com/openmetron/metron/pkg/db"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      subscriptiondomain.Repository
	PlanRepo  plandomain.Repository
	FnRepo    functiondomain.Repository
	UsageRepo usagedomain.Repository
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      subscriptiondomain.Repository
	planRepo  plandomain.Repository
	fnRepo    functiondomain.Repository
	usageRepo usagedomain.Repository
	metrics   *obsmetrics.Metrics
}

func New(p Params) subscriptiondomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		planRepo:  p.PlanRepo,
		fnRepo:    p.FnRepo,
		usageRepo: p.UsageRepo,
		metrics:   p.Metrics,
	}
}

func (s *Service) Subscribe(ctx context.Context, accountID, planCode string) (*subscriptiondomain.Response, error) {
	plan, err := s.activePlan(ctx, planCode)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State != subscriptiondomain.StateClosed {
		return nil, subscriptiondomain.ErrAlreadySubscribed
	}

	now := s.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:          s.genID.Generate(),
		AccountID:   accountID,
		PlanID:      plan.ID,
		State:       subscriptiondomain.StateActive,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		if err := s.repo.Save(ctx, s.db, sub); err != nil {
			return nil, err
		}
	} else if err := s.repo.Insert(ctx, s.db, sub); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, subscriptiondomain.ErrAlreadySubscribed
		}
		return nil, err
	}

	return s.toResponse(sub, plan), nil
}

func (s *Service) Get(ctx context.Context, accountID string) (*subscriptiondomain.Response, error) {
	sub, err := s.repo.FindByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrNoSubscription
	}
	plan, err := s.planRepo.FindByID(ctx, s.db, sub.PlanID)
	if err != nil {
		return nil, err
	}
	return s.toResponse(sub, plan), nil
}

// CheckProvision rejects deploys for accounts without an active
// subscription in good standing or at their plan's function limit. Lookup
// failures reject too: provisioning fails closed.
func (s *Service) CheckProvision(ctx context.Context, accountID string) error {
	sub, err := s.repo.FindByAccount(ctx, s.db, accountID)
	if err != nil {
		return err
	}
	if sub == nil || sub.State == subscriptiondomain.StateClosed {
		return subscriptiondomain.ErrNoSubscription
	}
	switch sub.State {
	case subscriptiondomain.StateSuspended:
		return subscriptiondomain.ErrSuspended
	case subscriptiondomain.StateQuotaExceeded:
		return subscriptiondomain.ErrQuotaExceeded
	}

	plan, err := s.planRepo.FindByID(ctx, s.db, sub.PlanID)
	if err != nil {
		return err
	}
	if plan == nil {
		return subscriptiondomain.ErrNoSubscription
	}
	if plan.MaxFunctions > 0 {
		count, err := s.fnRepo.CountActive(ctx, s.db, accountID)
		if err != nil {
			return err
		}
		if count >= int64(plan.MaxFunctions) {
			return subscriptiondomain.ErrTooManyFunctions
		}
	}
	return nil
}

// ApplyUsage consumes unapplied request samples in one transaction per
// batch: samples are marked applied and the per-account sums are added to
// requests_used. Marking and counting happen on the same rows, so a crash
// before commit replays cleanly and a re-run finds nothing to apply.
func (s *Service) ApplyUsage(ctx context.Context, batchSize int) error {
	for {
		var applied int
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			samples, err := s.usageRepo.ListUnapplied(ctx, tx, usagedomain.DimensionRequests, batchSize)
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				return nil
			}

			byAccount := make(map[string]int64)
			ids := make([]snowflake.ID, 0, len(samples))
			for _, sample := range samples {
				byAccount[sample.AccountID] += int64(sample.Quantity)
				ids = append(ids, sample.ID)
			}

			if err := s.usageRepo.MarkApplied(ctx, tx, ids, s.clock.Now()); err != nil {
				return err
			}
			for accountID, n := range byAccount {
				if n == 0 {
					continue
				}
				sub, err := s.repo.FindByAccount(ctx, tx, accountID)
				if err != nil {
					return err
				}
				if sub == nil {
					// Samples for unsubscribed accounts are consumed
					// without effect rather than retried forever.
					s.log.Warn("usage for account without subscription",
						zap.String("account_id", accountID),
					)
					continue
				}
				if err := s.repo.AddRequests(ctx, tx, sub.ID, n); err != nil {
					return err
				}
			}
			applied = len(samples)
			return nil
		})
		if err != nil {
			return err
		}
		if applied < batchSize {
			return nil
		}
	}
}

func (s *Service) EvaluateQuota(ctx context.Context, batchSize int) ([]string, error) {
	subs, err := s.repo.ListByState(ctx, s.db, subscriptiondomain.StateActive, batchSize)
	if err != nil {
		return nil, err
	}

	var exceeded []string
	var jobErr error
	for i := range subs {
		sub := &subs[i]
		plan, err := s.planRepo.FindByID(ctx, s.db, sub.PlanID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if plan == nil || plan.RequestLimit == nil || sub.RequestsUsed < *plan.RequestLimit {
			continue
		}

		sub.State = subscriptiondomain.StateQuotaExceeded
		sub.UpdatedAt = s.clock.Now()
		if err := s.repo.Save(ctx, s.db, sub); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		s.metrics.IncQuotaEnforcement(ctx, "request_limit")
		s.log.Info("subscription over quota",
			zap.String("account_id", sub.AccountID),
			zap.Int64("requests_used", sub.RequestsUsed),
			zap.Int64("request_limit", *plan.RequestLimit),
		)
		exceeded = append(exceeded, sub.AccountID)
	}
	return exceeded, jobErr
}

func (s *Service) Upgrade(ctx context.Context, accountID, planCode string) (*subscriptiondomain.UpgradeResult, error) {
	newPlan, err := s.activePlan(ctx, planCode)
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.FindByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.State == subscriptiondomain.StateClosed {
		return nil, subscriptiondomain.ErrNoSubscription
	}
	if sub.State == subscriptiondomain.StateSuspended {
		return nil, subscriptiondomain.ErrSuspended
	}

	oldPlan, err := s.planRepo.FindByID(ctx, s.db, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if oldPlan == nil {
		return nil, subscriptiondomain.ErrNoSubscription
	}
	if newPlan.ID == oldPlan.ID || newPlan.MonthlyFeeCents <= oldPlan.MonthlyFeeCents {
		return nil, subscriptiondomain.ErrNotAnUpgrade
	}

	now := s.clock.Now()
	credit := prorateCredit(oldPlan.MonthlyFeeCents, sub.PeriodStart, sub.PeriodEnd, now)

	reactivated := false
	sub.PlanID = newPlan.ID
	sub.CreditCents += credit
	sub.UpdatedAt = now
	if sub.State == subscriptiondomain.StateQuotaExceeded {
		if newPlan.RequestLimit == nil || sub.RequestsUsed < *newPlan.RequestLimit {
			sub.State = subscriptiondomain.StateActive
			reactivated = true
		}
	}
	if err := s.repo.Save(ctx, s.db, sub); err != nil {
		return nil, err
	}

	s.log.Info("subscription upgraded",
		zap.String("account_id", accountID),
		zap.String("plan", newPlan.Code),
		zap.Int64("credit_cents", credit),
	)
	return &subscriptiondomain.UpgradeResult{
		Subscription: *s.toResponse(sub, newPlan),
		CreditCents:  credit,
		Reactivated:  reactivated,
	}, nil
}

func (s *Service) Rollover(ctx context.Context, batchSize int) ([]string, error) {
	now := s.clock.Now()
	var reactivated []string
	var jobErr error

	for {
		subs, err := s.repo.ListDue(ctx, s.db, now, batchSize)
		if err != nil {
			return reactivated, errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			return reactivated, jobErr
		}

		advanced := 0
		for i := range subs {
			sub := &subs[i]
			// Missed rollovers advance period by period so every period
			// gets its own billing record.
			sub.PeriodStart = sub.PeriodEnd
			sub.PeriodEnd = sub.PeriodEnd.AddDate(0, 1, 0)
			sub.RequestsUsed = 0
			sub.UpdatedAt = now
			lifted := sub.State == subscriptiondomain.StateQuotaExceeded
			if lifted {
				sub.State = subscriptiondomain.StateActive
			}
			if err := s.repo.Save(ctx, s.db, sub); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if lifted {
				reactivated = append(reactivated, sub.AccountID)
			}
			advanced++
		}
		if advanced == 0 {
			// Nothing moved forward; retrying the same rows would spin.
			return reactivated, jobErr
		}
	}
}

func (s *Service) activePlan(ctx context.Context, code string) (*plandomain.TariffPlan, error) {
	plan, err := s.planRepo.FindByCode(ctx, s.db, strings.TrimSpace(strings.ToLower(code)))
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.Active {
		return nil, subscriptiondomain.ErrPlanNotFound
	}
	return plan, nil
}

// prorateCredit returns the unused share of the period fee in cents,
// rounded half up.
func prorateCredit(feeCents int64, start, end, now time.Time) int64 {
	total := end.Sub(start)
	if total <= 0 {
		return 0
	}
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > total {
		remaining = total
	}
	num := feeCents * int64(remaining/time.Second)
	den := int64(total / time.Second)
	if den == 0 {
		return 0
	}
	return (num + den/2) / den
}

func (s *Service) toResponse(sub *subscriptiondomain.Subscription, plan *plandomain.TariffPlan) *subscriptiondomain.Response {
	resp := &subscriptiondomain.Response{
		ID:           sub.ID.String(),
		AccountID:    sub.AccountID,
		PlanID:       sub.PlanID.String(),
		State:        sub.State,
		PeriodStart:  sub.PeriodStart,
		PeriodEnd:    sub.PeriodEnd,
		RequestsUsed: sub.RequestsUsed,
		CreditCents:  sub.CreditCents,
	}
	if plan != nil {
		resp.PlanCode = plan.Code
		resp.RequestLimit = plan.RequestLimit
	}
	return resp
}
