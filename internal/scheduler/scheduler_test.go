package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openmetron/metron/internal/clock"
)

func newTestScheduler(cfg Config) *Scheduler {
	return &Scheduler{
		log:   zap.NewNop(),
		cfg:   cfg.withDefaults(),
		clock: clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := newTestScheduler(Config{})
	if !s.isJobEnabled("collect") {
		t.Fatal("empty allowlist must enable every job")
	}

	s = newTestScheduler(Config{EnabledJobs: []string{"Collect", "reconcile"}})
	if !s.isJobEnabled("collect") {
		t.Fatal("allowlist match must be case insensitive")
	}
	if s.isJobEnabled("close_periods") {
		t.Fatal("jobs outside the allowlist must be skipped")
	}
}

func TestRunJobWrapsFailures(t *testing.T) {
	s := newTestScheduler(Config{})

	err := s.runJob(context.Background(), "collect", time.Second, func(context.Context) error {
		return errors.New("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "collect") {
		t.Fatalf("expected job name in error, got %v", err)
	}

	if err := s.runJob(context.Background(), "collect", time.Second, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("expected nil for a clean run, got %v", err)
	}
}

func TestRunJobAbsorbsTimeouts(t *testing.T) {
	s := newTestScheduler(Config{})

	err := s.runJob(context.Background(), "collect", time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("deadline overrun must be absorbed, got %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.RunInterval != time.Minute || cfg.BatchSize != 100 || cfg.ClosePeriodBatch != 25 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg = Config{BatchSize: 7}.withDefaults()
	if cfg.BatchSize != 7 {
		t.Fatalf("explicit batch size must be kept, got %d", cfg.BatchSize)
	}
}
