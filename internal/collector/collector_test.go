package collector

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openmetron/metron/internal/clock"
	"github.com/openmetron/metron/internal/cluster"
	"github.com/openmetron/metron/internal/config"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	functionrepository "github.com/openmetron/metron/internal/function/repository"
	usagedomain "github.com/openmetron/metron/internal/usage/domain"
	usagerepository "github.com/openmetron/metron/internal/usage/repository"
)

type fixture struct {
	collector *Collector
	db        *gorm.DB
	driver    *cluster.FakeDriver
	clock     *clock.FakeClock
	node      *snowflake.Node
	counter   *RequestCounter
	policy    config.Policy
	holder    *config.PolicyHolder
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&functiondomain.FunctionDescriptor{},
		&usagedomain.UsageSample{},
		&usagedomain.SampleCursor{},
	); err != nil {
		t.Fatal(err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	driver := cluster.NewFakeDriver()
	counter := NewRequestCounter()
	policy := config.DefaultPolicy()
	holder := config.NewStaticPolicyHolder(policy)

	c := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Policy:   holder,
		Driver:   driver,
		FnRepo:   functionrepository.Provide(),
		Usage:    usagerepository.Provide(),
		Requests: counter,
	})

	return &fixture{
		collector: c, db: db, driver: driver, clock: fake,
		node: node, counter: counter, policy: policy, holder: holder,
	}
}

func (f *fixture) activeFunction(t *testing.T, name string, minScale int) *functiondomain.FunctionDescriptor {
	t.Helper()
	fn := &functiondomain.FunctionDescriptor{
		ID:            f.node.Generate(),
		AccountID:     "acct-1",
		Name:          name,
		Image:         "example/" + name + ":1",
		CPUMillicores: 500,
		MemoryMB:      256,
		MinScale:      minScale,
		MaxScale:      5,
		State:         functiondomain.StateActive,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	if err := f.db.Create(fn).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := f.driver.Apply(context.Background(), cluster.FunctionSpec{
		Name:          fn.Name,
		Image:         fn.Image,
		CPUMillicores: fn.CPUMillicores,
		MemoryMB:      fn.MemoryMB,
		MinScale:      fn.MinScale,
		MaxScale:      fn.MaxScale,
	}); err != nil {
		t.Fatal(err)
	}
	return fn
}

func (f *fixture) samples(t *testing.T, dimension string) []usagedomain.UsageSample {
	t.Helper()
	var out []usagedomain.UsageSample
	if err := f.db.Where("dimension = ?", dimension).Order("window_start").Find(&out).Error; err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCollectFirstSightInitializesCursor(t *testing.T) {
	f := setup(t)
	fn := f.activeFunction(t, "hello", 1)
	ctx := context.Background()

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatalf("collect: %v", err)
	}

	// First pass only plants the cursor.
	if got := f.samples(t, usagedomain.DimensionInstanceSeconds); len(got) != 0 {
		t.Fatalf("first sight should not sample, got %d", len(got))
	}

	var cursor usagedomain.SampleCursor
	if err := f.db.First(&cursor, "function_id = ?", fn.ID).Error; err != nil {
		t.Fatal(err)
	}
	if !cursor.LastSampledAt.Equal(f.clock.Now()) {
		t.Fatalf("cursor not planted at now: %v", cursor.LastSampledAt)
	}
}

func TestCollectWritesWindowedSamples(t *testing.T) {
	f := setup(t)
	f.activeFunction(t, "hello", 2)
	ctx := context.Background()

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}

	instance := f.samples(t, usagedomain.DimensionInstanceSeconds)
	if len(instance) != 1 {
		t.Fatalf("expected 1 instance sample, got %d", len(instance))
	}
	// Two pods for 60 seconds.
	if instance[0].Quantity != 120 {
		t.Fatalf("expected 120 instance seconds, got %f", instance[0].Quantity)
	}
	if instance[0].Approximate {
		t.Fatal("one-minute window must be exact")
	}
	if got := instance[0].WindowEnd.Sub(instance[0].WindowStart); got != time.Minute {
		t.Fatalf("window should span the gap, got %v", got)
	}

	// Fake pods run at half the configured limits.
	cpu := f.samples(t, usagedomain.DimensionCPUMillicoreSeconds)
	if len(cpu) != 1 || cpu[0].Quantity != 2*250*60 {
		t.Fatalf("unexpected cpu samples: %+v", cpu)
	}
	mem := f.samples(t, usagedomain.DimensionMemoryMBSeconds)
	if len(mem) != 1 || mem[0].Quantity != 2*128*60 {
		t.Fatalf("unexpected memory samples: %+v", mem)
	}
}

func TestCollectZeroReplicasStillSamplesInstanceSeconds(t *testing.T) {
	f := setup(t)
	f.activeFunction(t, "hello", 0)
	ctx := context.Background()

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}

	instance := f.samples(t, usagedomain.DimensionInstanceSeconds)
	if len(instance) != 1 {
		t.Fatalf("scale-to-zero must still produce a sample, got %d", len(instance))
	}
	if instance[0].Quantity != 0 {
		t.Fatalf("expected 0 instance seconds, got %f", instance[0].Quantity)
	}
	if got := f.samples(t, usagedomain.DimensionCPUMillicoreSeconds); len(got) != 0 {
		t.Fatalf("zero replicas should not produce cpu samples, got %d", len(got))
	}
}

func TestCollectWideWindowFlaggedApproximate(t *testing.T) {
	f := setup(t)
	f.activeFunction(t, "hello", 1)
	ctx := context.Background()

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(f.policy.SampleStalenessBound + time.Minute)
	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}

	instance := f.samples(t, usagedomain.DimensionInstanceSeconds)
	if len(instance) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(instance))
	}
	if !instance[0].Approximate {
		t.Fatal("window past the staleness bound must be approximate")
	}
}

func TestCollectMissAdvancesMissCountNotCursor(t *testing.T) {
	f := setup(t)
	fn := f.activeFunction(t, "hello", 1)
	ctx := context.Background()

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}
	planted := f.clock.Now()

	f.clock.Advance(time.Minute)
	f.driver.Fail = cluster.ErrClusterUnreachable
	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatalf("a miss must not fail the run: %v", err)
	}

	var cursor usagedomain.SampleCursor
	if err := f.db.First(&cursor, "function_id = ?", fn.ID).Error; err != nil {
		t.Fatal(err)
	}
	if cursor.MissCount != 1 {
		t.Fatalf("expected miss count 1, got %d", cursor.MissCount)
	}
	if !cursor.LastSampledAt.Equal(planted) {
		t.Fatal("cursor must not advance on a miss")
	}

	// Recovery samples the whole gap and resets the count.
	f.driver.Fail = nil
	f.clock.Advance(time.Minute)
	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}
	instance := f.samples(t, usagedomain.DimensionInstanceSeconds)
	if len(instance) != 1 || instance[0].Quantity != 120 {
		t.Fatalf("recovery should bill the full gap, got %+v", instance)
	}
	if err := f.db.First(&cursor, "function_id = ?", fn.ID).Error; err != nil {
		t.Fatal(err)
	}
	if cursor.MissCount != 0 {
		t.Fatalf("miss count not reset, got %d", cursor.MissCount)
	}
}

func TestCollectDegradedSuspendOptIn(t *testing.T) {
	f := setup(t)
	policy := config.DefaultPolicy()
	policy.DegradedMissThreshold = 2
	policy.SuspendDegraded = true
	f.collector.policy = config.NewStaticPolicyHolder(policy)

	fn := f.activeFunction(t, "hello", 1)
	ctx := context.Background()

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}

	// PodMetrics fails while Scale still works, as when the metrics API
	// is down but the apiserver is up.
	f.driver.Readings = nil
	f.driver.Fail = nil
	failing := cluster.NewFakeDriver()
	failing.Fail = cluster.ErrClusterUnreachable
	f.collector.driver = &splitDriver{metrics: failing, rest: f.driver}

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Minute)
		if err := f.collector.Collect(ctx, 100); err != nil {
			t.Fatal(err)
		}
	}

	var got functiondomain.FunctionDescriptor
	if err := f.db.First(&got, "id = ?", fn.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.State != functiondomain.StateSuspended {
		t.Fatalf("expected suspended, got %s", got.State)
	}
	if got.LastError == "" {
		t.Fatal("expected a reason on the descriptor")
	}
	spec, _ := f.driver.Spec("hello")
	if spec.MinScale != 0 || spec.MaxScale != 0 {
		t.Fatalf("expected scale-to-zero, got %d/%d", spec.MinScale, spec.MaxScale)
	}
}

func TestCollectCountsColdStartsInWindow(t *testing.T) {
	f := setup(t)
	f.activeFunction(t, "hello", 1)
	ctx := context.Background()

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(time.Minute)
	started := f.clock.Now().Add(-10 * time.Second)
	f.driver.Readings = map[string][]cluster.PodSample{
		"hello": {
			{PodName: "hello-00000", CPUMillicores: 250, MemoryMB: 128, CreatedAt: started, StartedAt: started},
			{PodName: "hello-00001", CPUMillicores: 250, MemoryMB: 128, CreatedAt: f.clock.Now().Add(-2 * time.Hour)},
		},
	}
	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}

	cold := f.samples(t, usagedomain.DimensionColdStarts)
	if len(cold) != 1 {
		t.Fatalf("expected 1 cold start sample, got %d", len(cold))
	}
	// Only the pod created inside the window counts.
	if cold[0].Quantity != 1 {
		t.Fatalf("expected 1 cold start, got %f", cold[0].Quantity)
	}
}

func TestFlushRequestsDrainsCounter(t *testing.T) {
	f := setup(t)
	fn := f.activeFunction(t, "hello", 1)
	ctx := context.Background()

	f.counter.Inc(fn.ID, fn.AccountID)
	f.counter.Inc(fn.ID, fn.AccountID)
	f.counter.Inc(fn.ID, fn.AccountID)

	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}

	requests := f.samples(t, usagedomain.DimensionRequests)
	if len(requests) != 1 {
		t.Fatalf("expected 1 request sample, got %d", len(requests))
	}
	if requests[0].Quantity != 3 {
		t.Fatalf("expected 3 requests, got %f", requests[0].Quantity)
	}

	// Drained means a second collect writes nothing new.
	if err := f.collector.Collect(ctx, 100); err != nil {
		t.Fatal(err)
	}
	if requests = f.samples(t, usagedomain.DimensionRequests); len(requests) != 1 {
		t.Fatalf("counter not drained, got %d samples", len(requests))
	}
}

// splitDriver fails pod metrics while delegating everything else.
type splitDriver struct {
	metrics cluster.Driver
	rest    cluster.Driver
}

func (d *splitDriver) Apply(ctx context.Context, spec cluster.FunctionSpec) (cluster.RuntimeStatus, error) {
	return d.rest.Apply(ctx, spec)
}

func (d *splitDriver) Remove(ctx context.Context, name string) error {
	return d.rest.Remove(ctx, name)
}

func (d *splitDriver) Status(ctx context.Context, name string) (cluster.RuntimeStatus, error) {
	return d.rest.Status(ctx, name)
}

func (d *splitDriver) Scale(ctx context.Context, name string, minScale, maxScale int) error {
	return d.rest.Scale(ctx, name, minScale, maxScale)
}

func (d *splitDriver) PodMetrics(ctx context.Context, name string) ([]cluster.PodSample, error) {
	return d.metrics.PodMetrics(ctx, name)
}
