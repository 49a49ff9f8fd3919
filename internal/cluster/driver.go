// Package cluster talks to the Knative serving layer: it materializes
// function descriptors as Knative Services, reports their runtime status,
// and reads per-pod resource metrics for the collector.
package cluster

import (
	"context"
	"time"
)

// FunctionSpec is the desired state the driver converges the cluster to.
type FunctionSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	CPUMillicores int64
	MemoryMB      int64
	MinScale      int
	MaxScale      int
}

// RuntimeStatus is the observed state of a deployed function.
type RuntimeStatus struct {
	Ready  bool
	Reason string
	URL    string
}

// PodSample is one pod's instantaneous resource usage plus the timestamps
// needed to derive cold starts.
type PodSample struct {
	PodName       string
	CPUMillicores float64
	MemoryMB      float64
	CreatedAt     time.Time
	StartedAt     time.Time
}

// Driver is the platform's only gateway to the cluster. Mutations are
// idempotent: Apply converges, Remove tolerates absence.
type Driver interface {
	Apply(ctx context.Context, spec FunctionSpec) (RuntimeStatus, error)
	Remove(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (RuntimeStatus, error)
	Scale(ctx context.Context, name string, minScale, maxScale int) error
	PodMetrics(ctx context.Context, name string) ([]PodSample, error)
}
