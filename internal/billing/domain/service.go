package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// EnsurePeriods opens a billing period for every subscription that
	// lacks one. The scheduler drives it.
	EnsurePeriods(ctx context.Context, batchSize int) error

	// CloseDue rates and closes periods whose window has elapsed.
	// Periods failing the usage coverage check are parked held.
	CloseDue(ctx context.Context, batchSize int) error

	// ReleaseHeld re-runs the close for a held period, skipping the
	// coverage check. Operator-invoked.
	ReleaseHeld(ctx context.Context, periodID string) (*PeriodResponse, error)

	Summary(ctx context.Context, accountID string) (*SummaryResponse, error)
}

type LineItemResponse struct {
	Dimension   string  `json:"dimension"`
	Quantity    float64 `json:"quantity"`
	AmountCents int64   `json:"amount_cents"`
}

type PeriodResponse struct {
	ID                 string             `json:"id"`
	PeriodStart        time.Time          `json:"period_start"`
	PeriodEnd          time.Time          `json:"period_end"`
	State              PeriodState        `json:"state"`
	Currency           string             `json:"currency"`
	BaseFeeCents       int64              `json:"base_fee_cents"`
	UsageCents         int64              `json:"usage_cents"`
	CreditAppliedCents int64              `json:"credit_applied_cents"`
	TotalCents         int64              `json:"total_cents"`
	HoldReason         string             `json:"hold_reason,omitempty"`
	LineItems          []LineItemResponse `json:"line_items,omitempty"`
}

type SummaryResponse struct {
	AccountID     string             `json:"account_id"`
	CurrentPeriod *PeriodResponse    `json:"current_period,omitempty"`
	RunningTotals []LineItemResponse `json:"running_totals,omitempty"`
	RecentPeriods []PeriodResponse   `json:"recent_periods,omitempty"`
}

var (
	ErrPeriodNotFound = errors.New("billing_period_not_found")
	ErrPeriodNotHeld  = errors.New("billing_period_not_held")
	ErrInvalidID      = errors.New("invalid_period_id")
)
