package config

import (
	"testing"
	"time"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	if err := validatePolicy(DefaultPolicy()); err != nil {
		t.Fatalf("default policy rejected: %v", err)
	}
}

func TestValidatePolicyBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero staleness bound", func(p *Policy) { p.SampleStalenessBound = 0 }},
		{"zero miss threshold", func(p *Policy) { p.DegradedMissThreshold = 0 }},
		{"negative retry budget", func(p *Policy) { p.ApplyRetryBudget = -1 }},
		{"negative coverage tolerance", func(p *Policy) { p.CoverageTolerance = -0.1 }},
		{"coverage tolerance at one", func(p *Policy) { p.CoverageTolerance = 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			tc.mutate(&p)
			if err := validatePolicy(p); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestStaticPolicyHolder(t *testing.T) {
	p := DefaultPolicy()
	p.SampleStalenessBound = 90 * time.Second
	p.SuspendDegraded = true

	holder := NewStaticPolicyHolder(p)

	got := holder.Get()
	if got.SampleStalenessBound != 90*time.Second {
		t.Fatalf("SampleStalenessBound = %v", got.SampleStalenessBound)
	}
	if !got.SuspendDegraded {
		t.Fatalf("SuspendDegraded not carried through")
	}
}
