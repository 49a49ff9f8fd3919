package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Billable dimensions. Every sample and pricing rule names one of these.
const (
	DimensionRequests            = "requests"
	DimensionInstanceSeconds     = "instance_seconds"
	DimensionCPUMillicoreSeconds = "cpu_millicore_seconds"
	DimensionMemoryMBSeconds     = "memory_mb_seconds"
	DimensionColdStarts          = "cold_starts"
)

// Dimensions lists every billable dimension in canonical order.
var Dimensions = []string{
	DimensionRequests,
	DimensionInstanceSeconds,
	DimensionCPUMillicoreSeconds,
	DimensionMemoryMBSeconds,
	DimensionColdStarts,
}

func ValidDimension(d string) bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// UsageSample is one measured quantity of a dimension for one function over
// a contiguous window. Samples are append-only; AppliedAt marks the sample
// as already folded into subscription counters.
type UsageSample struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	FunctionID  snowflake.ID `json:"function_id" gorm:"not null;index:idx_usage_samples_function"`
	AccountID   string       `json:"account_id" gorm:"type:text;not null;index:idx_usage_samples_account_window,priority:1"`
	Dimension   string       `json:"dimension" gorm:"type:text;not null"`
	Quantity    float64      `json:"quantity" gorm:"type:numeric;not null"`
	WindowStart time.Time    `json:"window_start" gorm:"not null;index:idx_usage_samples_account_window,priority:2"`
	WindowEnd   time.Time    `json:"window_end" gorm:"not null"`
	Approximate bool         `json:"approximate" gorm:"not null;default:false"`
	AppliedAt   *time.Time   `json:"applied_at,omitempty" gorm:"index:idx_usage_samples_unapplied"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageSample) TableName() string { return "usage_samples" }

// SampleCursor records, per function, the end of the last window sampled so
// successive collections produce contiguous windows. MissCount tracks
// consecutive failed collection attempts for the degraded-function signal.
type SampleCursor struct {
	FunctionID    snowflake.ID `json:"function_id" gorm:"primaryKey"`
	LastSampledAt time.Time    `json:"last_sampled_at" gorm:"not null"`
	MissCount     int          `json:"miss_count" gorm:"not null;default:0"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SampleCursor) TableName() string { return "sample_cursors" }
