package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Deploy(ctx context.Context, req DeployRequest) (*Response, error)
	Delete(ctx context.Context, accountID, name string) error
	Get(ctx context.Context, accountID, name string) (*Response, error)
	List(ctx context.Context, accountID string) ([]Response, error)

	// Reconcile converges pending and deleting descriptors against the
	// cluster. The scheduler drives it.
	Reconcile(ctx context.Context, batchSize int) error

	// Suspend scales all of the account's functions to zero and marks
	// them suspended. Resume restores their configured scale.
	Suspend(ctx context.Context, accountID string) error
	Resume(ctx context.Context, accountID string) error
}

type DeployRequest struct {
	AccountID     string            `json:"-"`
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
	CPUMillicores int64             `json:"cpu_millicores,omitempty"`
	MemoryMB      int64             `json:"memory_mb,omitempty"`
	MinScale      *int              `json:"min_scale,omitempty"`
	MaxScale      *int              `json:"max_scale,omitempty"`
}

type Response struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Name          string    `json:"name"`
	Image         string    `json:"image"`
	CPUMillicores int64     `json:"cpu_millicores"`
	MemoryMB      int64     `json:"memory_mb"`
	MinScale      int       `json:"min_scale"`
	MaxScale      int       `json:"max_scale"`
	State         State     `json:"state"`
	URL           string    `json:"url,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var (
	ErrInvalidName      = errors.New("invalid_function_name")
	ErrInvalidImage     = errors.New("invalid_image")
	ErrInvalidScale     = errors.New("invalid_scale_bounds")
	ErrInvalidResources = errors.New("invalid_resource_limits")
	ErrNameTaken        = errors.New("function_name_taken")
	ErrNotFound         = errors.New("function_not_found")
)
