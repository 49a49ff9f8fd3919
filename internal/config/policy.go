package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Policy controls runtime metering and enforcement behavior. It is loaded
// from metering.yml and hot-reloaded on change so operators can tune
// staleness bounds and degraded-function handling without a restart.
type Policy struct {
	// SampleStalenessBound is the widest sample window still considered
	// exact; anything wider is flagged approximate.
	SampleStalenessBound time.Duration `mapstructure:"sampleStalenessBound"`
	// DegradedMissThreshold is the number of consecutive failed collection
	// cycles before a function is reported as observability-degraded.
	DegradedMissThreshold int `mapstructure:"degradedMissThreshold"`
	// SuspendDegraded force-suspends functions whose metrics stay
	// unavailable. Off by default: metering is fail-open.
	SuspendDegraded bool `mapstructure:"suspendDegraded"`
	// ApplyRetryBudget bounds transient-error retries per cluster mutation.
	ApplyRetryBudget int `mapstructure:"applyRetryBudget"`
	// CoverageTolerance is the fraction of expected instance wall time
	// allowed to go unsampled before a closing billing period is held.
	CoverageTolerance float64 `mapstructure:"coverageTolerance"`
}

func DefaultPolicy() Policy {
	return Policy{
		SampleStalenessBound:  5 * time.Minute,
		DegradedMissThreshold: 5,
		SuspendDegraded:       false,
		ApplyRetryBudget:      4,
		CoverageTolerance:     0.05,
	}
}

// PolicyHolder exposes the current Policy behind an atomic load so readers
// never block on a reload.
type PolicyHolder struct {
	current atomic.Value // holds Policy
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("metering")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metron/config")
	v.AddConfigPath("/etc/metron")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METRON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPolicy()
		v.SetDefault("metering.sampleStalenessBound", defaults.SampleStalenessBound)
		v.SetDefault("metering.degradedMissThreshold", defaults.DegradedMissThreshold)
		v.SetDefault("metering.suspendDegraded", defaults.SuspendDegraded)
		v.SetDefault("metering.applyRetryBudget", defaults.ApplyRetryBudget)
		v.SetDefault("metering.coverageTolerance", defaults.CoverageTolerance)
	}

	var policy Policy
	if err := v.UnmarshalKey("metering", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("metering", &updated); err != nil {
			log.Printf("[metering-config] reload failed: %v", err)
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Printf("[metering-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[metering-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

// NewStaticPolicyHolder wraps a fixed Policy, for tests.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func validatePolicy(p Policy) error {
	if p.SampleStalenessBound <= 0 {
		return errors.New("metering.sampleStalenessBound must be positive")
	}
	if p.DegradedMissThreshold <= 0 {
		return errors.New("metering.degradedMissThreshold must be positive")
	}
	if p.ApplyRetryBudget < 0 {
		return errors.New("metering.applyRetryBudget cannot be negative")
	}
	if p.CoverageTolerance < 0 || p.CoverageTolerance >= 1 {
		return errors.New("metering.coverageTolerance must be in [0, 1)")
	}
	return nil
}
