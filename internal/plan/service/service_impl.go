package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	plandomain "github.com/openmetron/metron/internal/plan/domain"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo plandomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo plandomain.Repository
}

func New(p Params) plandomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("plan.service"),
		repo: p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, code string) (*plandomain.PlanResponse, error) {
	code = strings.TrimSpace(strings.ToLower(code))
	if code == "" {
		return nil, plandomain.ErrInvalidID
	}
	plan, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrNotFound
	}
	return toResponse(plan), nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.PlanResponse, error) {
	plans, err := s.repo.ListActive(ctx, s.db)
	if err != nil {
		return nil, err
	}
	resp := make([]plandomain.PlanResponse, 0, len(plans))
	for i := range plans {
		resp = append(resp, *toResponse(&plans[i]))
	}
	return resp, nil
}

// PricingForPlan loads every rule of the plan with its tier bands and
// validates band ordering before handing them to the calculator.
func (s *Service) PricingForPlan(ctx context.Context, planID string) ([]plandomain.RuleWithTiers, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(planID))
	if err != nil {
		return nil, plandomain.ErrInvalidID
	}

	rules, err := s.repo.RulesForPlan(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	out := make([]plandomain.RuleWithTiers, 0, len(rules))
	for i := range rules {
		tiers, err := s.repo.TiersForRule(ctx, s.db, rules[i].ID)
		if err != nil {
			return nil, err
		}
		if err := validateTiers(tiers); err != nil {
			return nil, err
		}
		out = append(out, plandomain.RuleWithTiers{Rule: rules[i], Tiers: tiers})
	}
	return out, nil
}

// validateTiers enforces that bands ascend strictly and only the final band
// may be unbounded.
func validateTiers(tiers []plandomain.PricingRuleTier) error {
	prev := 0.0
	for i, tier := range tiers {
		if tier.UpTo == nil {
			if i != len(tiers)-1 {
				return plandomain.ErrInvalidTiers
			}
			continue
		}
		if *tier.UpTo <= prev {
			return plandomain.ErrInvalidTiers
		}
		prev = *tier.UpTo
	}
	return nil
}

func toResponse(p *plandomain.TariffPlan) *plandomain.PlanResponse {
	return &plandomain.PlanResponse{
		ID:              p.ID.String(),
		Code:            p.Code,
		Name:            p.Name,
		Currency:        p.Currency,
		MonthlyFeeCents: p.MonthlyFeeCents,
		RequestLimit:    p.RequestLimit,
		MaxFunctions:    p.MaxFunctions,
		DefaultMinScale: p.DefaultMinScale,
		DefaultMaxScale: p.DefaultMaxScale,
		Active:          p.Active,
		CreatedAt:       p.CreatedAt,
	}
}
