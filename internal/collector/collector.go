// Package collector samples runtime usage for every active function and
// persists it as billable dimensions. Metering fails open: a function the
// cluster cannot report on keeps running and its sampling resumes where
// the cursor left off.
package collector

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/openmetron/metron/internal/clock"
	"github.com/openmetron/metron/internal/cluster"
	"github.com/openmetron/metron/internal/config"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	obsmetrics "github.com/openmetron/metron/internal/observability/metrics"
	usagedomain "github.com/openmetron/metron/internal/usage/domain"
)

const collectParallelism = 8

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Policy   *config.PolicyHolder
	Driver   cluster.Driver
	FnRepo   functiondomain.Repository
	Usage    usagedomain.Repository
	Requests *RequestCounter
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Collector struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	policy   *config.PolicyHolder
	driver   cluster.Driver
	fnRepo   functiondomain.Repository
	usage    usagedomain.Repository
	requests *RequestCounter
	metrics  *obsmetrics.Metrics
}

func New(p Params) *Collector {
	return &Collector{
		db:       p.DB,
		log:      p.Log.Named("collector"),
		genID:    p.GenID,
		clock:    p.Clock,
		policy:   p.Policy,
		driver:   p.Driver,
		fnRepo:   p.FnRepo,
		usage:    p.Usage,
		requests: p.Requests,
		metrics:  p.Metrics,
	}
}

// Collect samples every active function in bounded parallel, then drains
// the request counter. Per-function failures are absorbed into the cursor
// miss count rather than failing the run.
func (c *Collector) Collect(ctx context.Context, batchSize int) error {
	fns, err := c.fnRepo.ListByState(ctx, c.db, functiondomain.StateActive, batchSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectParallelism)
	for i := range fns {
		fn := &fns[i]
		g.Go(func() error {
			c.collectOne(gctx, fn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return c.flushRequests(ctx)
}

// collectOne meters one function over the window since its cursor. An
// instance-second sample is written even at zero replicas so the billing
// coverage check can tell "scaled to zero" apart from "not collected".
func (c *Collector) collectOne(ctx context.Context, fn *functiondomain.FunctionDescriptor) {
	now := c.clock.Now()
	policy := c.policy.Get()

	cursor, err := c.usage.FindCursor(ctx, c.db, fn.ID)
	if err != nil {
		c.log.Error("cursor lookup failed", zap.String("function", fn.Name), zap.Error(err))
		return
	}
	if cursor == nil {
		// First sight: start the window now, sample next run.
		cursor = &usagedomain.SampleCursor{
			FunctionID:    fn.ID,
			LastSampledAt: now,
			UpdatedAt:     now,
		}
		if err := c.usage.UpsertCursor(ctx, c.db, cursor); err != nil {
			c.log.Error("cursor init failed", zap.String("function", fn.Name), zap.Error(err))
		}
		return
	}

	window := now.Sub(cursor.LastSampledAt)
	if window <= 0 {
		return
	}

	pods, err := c.driver.PodMetrics(ctx, fn.Name)
	if err != nil {
		cursor.MissCount++
		cursor.UpdatedAt = now
		if err := c.usage.UpsertCursor(ctx, c.db, cursor); err != nil {
			c.log.Error("cursor update failed", zap.String("function", fn.Name), zap.Error(err))
		}
		c.metrics.IncCollectionFailure(ctx, "pod_metrics")
		c.log.Warn("collection failed",
			zap.String("function", fn.Name),
			zap.Int("miss_count", cursor.MissCount),
			zap.Error(err),
		)
		c.handleDegraded(ctx, fn, cursor, policy)
		return
	}

	// Readings older than the staleness bound still bill the full window
	// but the samples are flagged approximate.
	approximate := window > policy.SampleStalenessBound
	windowSeconds := window.Seconds()

	var cpuSeconds, memSeconds float64
	coldStarts := 0
	for _, pod := range pods {
		cpuSeconds += pod.CPUMillicores * windowSeconds
		memSeconds += pod.MemoryMB * windowSeconds
		if pod.CreatedAt.After(cursor.LastSampledAt) && !pod.CreatedAt.After(now) {
			coldStarts++
		}
	}

	samples := []usagedomain.UsageSample{
		c.sample(fn, usagedomain.DimensionInstanceSeconds, float64(len(pods))*windowSeconds, cursor.LastSampledAt, now, approximate),
	}
	if cpuSeconds > 0 {
		samples = append(samples, c.sample(fn, usagedomain.DimensionCPUMillicoreSeconds, cpuSeconds, cursor.LastSampledAt, now, approximate))
	}
	if memSeconds > 0 {
		samples = append(samples, c.sample(fn, usagedomain.DimensionMemoryMBSeconds, memSeconds, cursor.LastSampledAt, now, approximate))
	}
	if coldStarts > 0 {
		samples = append(samples, c.sample(fn, usagedomain.DimensionColdStarts, float64(coldStarts), cursor.LastSampledAt, now, approximate))
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.usage.InsertSamples(ctx, tx, samples); err != nil {
			return err
		}
		cursor.LastSampledAt = now
		cursor.MissCount = 0
		cursor.UpdatedAt = now
		return c.usage.UpsertCursor(ctx, tx, cursor)
	})
	if err != nil {
		c.log.Error("sample write failed", zap.String("function", fn.Name), zap.Error(err))
		return
	}

	outcome := "exact"
	if approximate {
		outcome = "approximate"
	}
	for _, s := range samples {
		c.metrics.IncSampleCollected(ctx, s.Dimension, outcome)
	}
}

// handleDegraded fires once the miss threshold is crossed. Suspension is
// opt-in; the default posture is to keep the function running unmetered.
func (c *Collector) handleDegraded(ctx context.Context, fn *functiondomain.FunctionDescriptor, cursor *usagedomain.SampleCursor, policy config.Policy) {
	if policy.DegradedMissThreshold <= 0 || cursor.MissCount < policy.DegradedMissThreshold {
		return
	}

	c.log.Error("function metering degraded",
		zap.String("function", fn.Name),
		zap.Int("miss_count", cursor.MissCount),
	)
	if !policy.SuspendDegraded {
		return
	}

	if err := c.driver.Scale(ctx, fn.Name, 0, 0); err != nil {
		c.log.Error("degraded suspend failed", zap.String("function", fn.Name), zap.Error(err))
		return
	}
	fn.State = functiondomain.StateSuspended
	fn.LastError = "suspended: metering degraded"
	fn.UpdatedAt = c.clock.Now()
	if err := c.fnRepo.Save(ctx, c.db, fn); err != nil {
		c.log.Error("degraded state update failed", zap.String("function", fn.Name), zap.Error(err))
	}
	c.metrics.IncQuotaEnforcement(ctx, "metering_degraded")
}

func (c *Collector) flushRequests(ctx context.Context) error {
	counted := c.requests.Drain(c.clock.Now())
	if len(counted) == 0 {
		return nil
	}

	samples := make([]usagedomain.UsageSample, 0, len(counted))
	for _, cr := range counted {
		samples = append(samples, usagedomain.UsageSample{
			ID:          c.genID.Generate(),
			FunctionID:  cr.FunctionID,
			AccountID:   cr.AccountID,
			Dimension:   usagedomain.DimensionRequests,
			Quantity:    float64(cr.Count),
			WindowStart: cr.WindowStart,
			WindowEnd:   cr.WindowEnd,
			CreatedAt:   c.clock.Now(),
		})
	}
	if err := c.usage.InsertSamples(ctx, c.db, samples); err != nil {
		return err
	}
	for range samples {
		c.metrics.IncSampleCollected(ctx, usagedomain.DimensionRequests, "exact")
	}
	return nil
}

func (c *Collector) sample(fn *functiondomain.FunctionDescriptor, dimension string, qty float64, start, end time.Time, approximate bool) usagedomain.UsageSample {
	return usagedomain.UsageSample{
		ID:          c.genID.Generate(),
		FunctionID:  fn.ID,
		AccountID:   fn.AccountID,
		Dimension:   dimension,
		Quantity:    qty,
		WindowStart: start,
		WindowEnd:   end,
		Approximate: approximate,
		CreatedAt:   c.clock.Now(),
	}
}
