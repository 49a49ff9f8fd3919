// Package scheduler drives the platform's periodic jobs: cluster
// reconciliation, usage collection, quota enforcement, and billing period
// lifecycle. One replica runs each job at a time; others skip via a redis
// lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	billingdomain "github.com/openmetron/metron/internal/billing/domain"
	"github.com/openmetron/metron/internal/clock"
	"github.com/openmetron/metron/internal/collector"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	obsmetrics "github.com/openmetron/metron/internal/observability/metrics"
	"github.com/openmetron/metron/internal/ratelimit"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	FunctionSv functiondomain.Service
	SubSvc     subscriptiondomain.Service
	BillingSvc billingdomain.Service
	Collector  *collector.Collector
	Locker     *ratelimit.Locker   `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
	Config     Config              `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	functionSv functiondomain.Service
	subSvc     subscriptiondomain.Service
	billingSvc billingdomain.Service
	collector  *collector.Collector
	locker     *ratelimit.Locker
	metrics    *obsmetrics.Metrics
}

var ErrInvalidConfig = errors.New("scheduler misconfigured")

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.FunctionSv == nil || p.SubSvc == nil || p.BillingSvc == nil || p.Collector == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		functionSv: p.FunctionSv,
		subSvc:     p.SubSvc,
		billingSvc: p.BillingSvc,
		collector:  p.Collector,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

// runJob wraps one job execution: lease, timeout, metrics, logging. A
// deadline overrun is logged and absorbed; the next tick picks the work
// back up.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, "metron:job:"+name, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("job lease unavailable", zap.String("job", name), zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), "metron:job:"+name, token); err != nil {
					s.log.Warn("job lease release failed", zap.String("job", name), zap.Error(err))
				}
			}()
		}
	}

	err := fn(ctx)
	elapsed := time.Since(start)
	s.metrics.ObserveJobRun(ctx, name, elapsed, err)
	if err == nil {
		s.log.Debug("job finished", zap.String("job", name), zap.Duration("elapsed", elapsed))
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	s.log.Error("job failed", zap.String("job", name), zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job in dependency order: converge the
// cluster, measure it, apply what was measured, enforce what was applied,
// then bill.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"reconcile", s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.functionSv.Reconcile(ctx, s.cfg.BatchSize)
		}},
		{"collect", s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.collector.Collect(ctx, s.cfg.BatchSize)
		}},
		{"apply_usage", s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.subSvc.ApplyUsage(ctx, s.cfg.BatchSize)
		}},
		{"enforce_quota", s.cfg.JobTimeout, s.EnforceQuotaJob},
		{"ensure_periods", s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.billingSvc.EnsurePeriods(ctx, s.cfg.BatchSize)
		}},
		{"close_periods", s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.billingSvc.CloseDue(ctx, s.cfg.ClosePeriodBatch)
		}},
		{"rollover", s.cfg.JobTimeout, s.RolloverJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// EnforceQuotaJob transitions over-quota subscriptions and scales their
// functions to zero. The subscription flips first so a crash between the
// two steps re-suspends on the next tick rather than leaking capacity.
func (s *Scheduler) EnforceQuotaJob(ctx context.Context) error {
	accounts, err := s.subSvc.EvaluateQuota(ctx, s.cfg.BatchSize)
	for _, accountID := range accounts {
		if suspendErr := s.functionSv.Suspend(ctx, accountID); suspendErr != nil {
			err = errors.Join(err, suspendErr)
			continue
		}
		s.log.Info("account functions suspended for quota", zap.String("account_id", accountID))
	}
	return err
}

// RolloverJob starts new subscription periods and resumes functions for
// accounts whose quota block lapsed with the old period.
func (s *Scheduler) RolloverJob(ctx context.Context) error {
	accounts, err := s.subSvc.Rollover(ctx, s.cfg.BatchSize)
	for _, accountID := range accounts {
		if resumeErr := s.functionSv.Resume(ctx, accountID); resumeErr != nil {
			err = errors.Join(err, resumeErr)
			continue
		}
		s.log.Info("account functions resumed after rollover", zap.String("account_id", accountID))
	}
	return err
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty allowlist enables every job (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
