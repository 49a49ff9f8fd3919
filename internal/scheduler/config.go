package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	BatchSize        int
	JobTimeout       time.Duration
	LockTTL          time.Duration
	EnabledJobs      []string
	ClosePeriodBatch int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		BatchSize:        100,
		JobTimeout:       30 * time.Second,
		LockTTL:          2 * time.Minute,
		ClosePeriodBatch: 25,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.ClosePeriodBatch <= 0 {
		c.ClosePeriodBatch = defaults.ClosePeriodBatch
	}
	return c
}
