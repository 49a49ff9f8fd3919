// Package observability wires logging, metrics, and tracing into the fx
// graph. Exporters are disabled unless an OTLP endpoint is configured.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/openmetron/metron/internal/config"
	"github.com/openmetron/metron/internal/observability/logger"
	"github.com/openmetron/metron/internal/observability/metrics"
	"github.com/openmetron/metron/internal/observability/tracing"
)

var Module = fx.Module("observability",
	fx.Provide(
		NewLogger,
		NewMeterProvider,
		NewTracerProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
)

func NewLogger(cfg config.Config) (*zap.Logger, error) {
	lcfg := logger.DefaultConfig()
	lcfg.ServiceName = cfg.AppName
	lcfg.Environment = cfg.Environment
	if cfg.IsDev() {
		lcfg.Level = "debug"
		lcfg.Format = "console"
		lcfg.Sampling = false
	}
	return logger.New(lcfg)
}

func NewMeterProvider(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (metric.MeterProvider, error) {
	mcfg := metrics.Config{
		Enabled:     cfg.OTLPEndpoint != "",
		Endpoint:    cfg.OTLPEndpoint,
		Protocol:    "grpc",
		Insecure:    cfg.IsDev(),
		ServiceName: cfg.AppName,
	}
	provider, shutdown, err := metrics.NewMeterProvider(context.Background(), mcfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return provider, nil
}

func NewTracerProvider(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (trace.TracerProvider, error) {
	tcfg := tracing.Config{
		Enabled:     cfg.OTLPEndpoint != "",
		Endpoint:    cfg.OTLPEndpoint,
		Protocol:    "grpc",
		Insecure:    cfg.IsDev(),
		ServiceName: cfg.AppName,
		SampleRatio: 1,
	}
	provider, shutdown, err := tracing.NewTracerProvider(context.Background(), tcfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return provider, nil
}
