package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateDeleting  State = "deleting"
	StateDeleted   State = "deleted"
)

// FunctionDescriptor is the desired state of one deployed function. The
// cluster driver converges the cluster toward it; State tracks how far
// convergence has gotten.
type FunctionDescriptor struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	AccountID     string            `json:"account_id" gorm:"type:text;not null;index"`
	Name          string            `json:"name" gorm:"type:text;not null;uniqueIndex"`
	Image         string            `json:"image" gorm:"type:text;not null"`
	Env           datatypes.JSONMap `json:"env,omitempty" gorm:"type:jsonb"`
	CPUMillicores int64             `json:"cpu_millicores" gorm:"not null;default:500"`
	MemoryMB      int64             `json:"memory_mb" gorm:"not null;default:256"`
	MinScale      int               `json:"min_scale" gorm:"not null;default:0"`
	MaxScale      int               `json:"max_scale" gorm:"not null;default:3"`
	State         State             `json:"state" gorm:"type:text;not null;default:pending;index"`
	URL           string            `json:"url" gorm:"type:text;not null;default:''"`
	LastError     string            `json:"last_error,omitempty" gorm:"type:text;not null;default:''"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (FunctionDescriptor) TableName() string { return "function_descriptors" }
