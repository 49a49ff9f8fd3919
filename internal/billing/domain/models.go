package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PeriodState string

const (
	PeriodOpen    PeriodState = "open"
	PeriodClosing PeriodState = "closing"
	// PeriodHeld marks a period whose usage record is too incomplete to
	// bill. It stays held until an operator releases it.
	PeriodHeld   PeriodState = "held"
	PeriodClosed PeriodState = "closed"
)

// BillingPeriod is one account's charge window. PlanID is pinned at open
// so a mid-period upgrade prices the remainder under the new plan only
// from the next period on; the upgrade credit compensates the old one.
type BillingPeriod struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	SubscriptionID     snowflake.ID `json:"subscription_id" gorm:"not null;index"`
	AccountID          string       `json:"account_id" gorm:"type:text;not null;index"`
	PlanID             snowflake.ID `json:"plan_id" gorm:"not null"`
	PeriodStart        time.Time    `json:"period_start" gorm:"not null"`
	PeriodEnd          time.Time    `json:"period_end" gorm:"not null;index"`
	State              PeriodState  `json:"state" gorm:"type:text;not null;default:open;index"`
	Currency           string       `json:"currency" gorm:"type:text;not null;default:USD"`
	BaseFeeCents       int64        `json:"base_fee_cents" gorm:"not null;default:0"`
	UsageCents         int64        `json:"usage_cents" gorm:"not null;default:0"`
	CreditAppliedCents int64        `json:"credit_applied_cents" gorm:"not null;default:0"`
	TotalCents         int64        `json:"total_cents" gorm:"not null;default:0"`
	HoldReason         string       `json:"hold_reason,omitempty" gorm:"type:text;not null;default:''"`
	ClosedAt           *time.Time   `json:"closed_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingPeriod) TableName() string { return "billing_periods" }

// BillLineItem is one dimension's charge within a closed period. The
// checksum makes period close replayable: a re-run computes the same
// checksum and the insert is a no-op.
type BillLineItem struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	PeriodID    snowflake.ID `json:"period_id" gorm:"not null;index"`
	Dimension   string       `json:"dimension" gorm:"type:text;not null"`
	Quantity    float64      `json:"quantity" gorm:"type:numeric;not null"`
	AmountCents int64        `json:"amount_cents" gorm:"not null"`
	Checksum    string       `json:"-" gorm:"type:text;not null;uniqueIndex"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillLineItem) TableName() string { return "bill_line_items" }
