package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeDriver is an in-memory Driver used by tests and by local development
// without a cluster. It applies immediately and reports every function as
// ready with MinScale running pods.
type FakeDriver struct {
	mu       sync.Mutex
	services map[string]FunctionSpec
	applied  map[string]time.Time

	// Fail, when set, is returned by every operation. Tests use it to
	// exercise the error taxonomy.
	Fail error
	// Readings overrides the per-pod usage reported by PodMetrics.
	Readings map[string][]PodSample
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		services: make(map[string]FunctionSpec),
		applied:  make(map[string]time.Time),
	}
}

func (d *FakeDriver) Apply(_ context.Context, spec FunctionSpec) (RuntimeStatus, error) {
	if d.Fail != nil {
		return RuntimeStatus{}, d.Fail
	}
	if spec.Name == "" || spec.Image == "" {
		return RuntimeStatus{}, ErrInvalidSpec
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[spec.Name]; !ok {
		d.applied[spec.Name] = time.Now().UTC()
	}
	d.services[spec.Name] = spec
	return RuntimeStatus{Ready: true, URL: fmt.Sprintf("http://%s.fake.local", spec.Name)}, nil
}

func (d *FakeDriver) Remove(_ context.Context, name string) error {
	if d.Fail != nil {
		return d.Fail
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.services, name)
	delete(d.applied, name)
	return nil
}

func (d *FakeDriver) Status(_ context.Context, name string) (RuntimeStatus, error) {
	if d.Fail != nil {
		return RuntimeStatus{}, d.Fail
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[name]; !ok {
		return RuntimeStatus{}, ErrNotFound
	}
	return RuntimeStatus{Ready: true, URL: fmt.Sprintf("http://%s.fake.local", name)}, nil
}

func (d *FakeDriver) Scale(_ context.Context, name string, minScale, maxScale int) error {
	if d.Fail != nil {
		return d.Fail
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	spec, ok := d.services[name]
	if !ok {
		return ErrNotFound
	}
	spec.MinScale = minScale
	spec.MaxScale = maxScale
	d.services[name] = spec
	return nil
}

func (d *FakeDriver) PodMetrics(_ context.Context, name string) ([]PodSample, error) {
	if d.Fail != nil {
		return nil, d.Fail
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if readings, ok := d.Readings[name]; ok {
		return readings, nil
	}
	spec, ok := d.services[name]
	if !ok {
		return nil, ErrNotFound
	}
	applied := d.applied[name]
	samples := make([]PodSample, 0, spec.MinScale)
	for i := 0; i < spec.MinScale; i++ {
		samples = append(samples, PodSample{
			PodName:       fmt.Sprintf("%s-%05d", name, i),
			CPUMillicores: float64(spec.CPUMillicores) / 2,
			MemoryMB:      float64(spec.MemoryMB) / 2,
			CreatedAt:     applied,
			StartedAt:     applied.Add(time.Second),
		})
	}
	return samples, nil
}

// Spec returns the currently applied spec, for test assertions.
func (d *FakeDriver) Spec(name string) (FunctionSpec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	spec, ok := d.services[name]
	return spec, ok
}
