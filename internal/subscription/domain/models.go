package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type State string

const (
	StateActive        State = "active"
	StateQuotaExceeded State = "quota_exceeded"
	StateSuspended     State = "suspended"
	StateClosed        State = "closed"
)

// Subscription binds an account to a tariff plan for rolling monthly
// periods. RequestsUsed is the invocation counter the quota gate reads;
// CreditCents accumulates prorated credit from plan upgrades and is drawn
// down at period close.
type Subscription struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountID    string       `json:"account_id" gorm:"type:text;not null;uniqueIndex"`
	PlanID       snowflake.ID `json:"plan_id" gorm:"not null;index"`
	State        State        `json:"state" gorm:"type:text;not null;default:active;index"`
	PeriodStart  time.Time    `json:"period_start" gorm:"not null"`
	PeriodEnd    time.Time    `json:"period_end" gorm:"not null;index"`
	RequestsUsed int64        `json:"requests_used" gorm:"not null;default:0"`
	CreditCents  int64        `json:"credit_cents" gorm:"not null;default:0"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }
