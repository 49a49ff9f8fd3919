package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Subscribe(ctx context.Context, accountID, planCode string) (*Response, error)
	Get(ctx context.Context, accountID string) (*Response, error)

	// CheckProvision is the fail-closed gate in front of every deploy.
	// Any doubt about the account's standing rejects the deploy.
	CheckProvision(ctx context.Context, accountID string) error

	// ApplyUsage folds unapplied request samples into subscription
	// counters. Re-running it never double-counts a sample.
	ApplyUsage(ctx context.Context, batchSize int) error

	// EvaluateQuota transitions over-quota subscriptions to
	// quota_exceeded and returns the affected accounts so the caller can
	// scale their functions to zero.
	EvaluateQuota(ctx context.Context, batchSize int) ([]string, error)

	// Upgrade moves the account to a more expensive plan mid-period,
	// grants prorated credit for the unused remainder of the old fee,
	// and lifts quota_exceeded when the new limit allows.
	Upgrade(ctx context.Context, accountID, planCode string) (*UpgradeResult, error)

	// Rollover starts the next period for due subscriptions and returns
	// the accounts whose quota_exceeded state was lifted.
	Rollover(ctx context.Context, batchSize int) ([]string, error)
}

type Response struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	PlanID       string    `json:"plan_id"`
	PlanCode     string    `json:"plan_code"`
	State        State     `json:"state"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	RequestsUsed int64     `json:"requests_used"`
	RequestLimit *int64    `json:"request_limit,omitempty"`
	CreditCents  int64     `json:"credit_cents"`
}

type UpgradeResult struct {
	Subscription Response `json:"subscription"`
	CreditCents  int64    `json:"credit_granted_cents"`
	Reactivated  bool     `json:"reactivated"`
}

var (
	ErrNoSubscription    = errors.New("no_subscription")
	ErrAlreadySubscribed = errors.New("already_subscribed")
	ErrSuspended         = errors.New("subscription_suspended")
	ErrQuotaExceeded     = errors.New("quota_exceeded")
	ErrTooManyFunctions  = errors.New("function_limit_reached")
	ErrPlanNotFound      = errors.New("plan_not_found")
	ErrNotAnUpgrade      = errors.New("not_an_upgrade")
)
