package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/observability/logger"
	"github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the logger, the tracer provider and every prometheus
// collector. Collectors live on the default registry served at /metrics.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config { return cfg.loggerConfig() },
		logger.New,
		func(cfg Config) tracing.Config { return cfg.tracingConfig() },
		tracing.NewProvider,
		func(cfg Config) metrics.Config { return cfg.metricsConfig() },
		func() prometheus.Registerer { return prometheus.DefaultRegisterer },
		metrics.NewHTTPMetrics,
		metrics.AccountingWithConfig,
		metrics.SchedulerWithConfig,
	),
	fx.Invoke(announce),
)

type announceParams struct {
	fx.In

	Config     Config
	Metrics    metrics.Config
	Registerer prometheus.Registerer
	Accounting *config.AccountingConfigHolder
	Tracer     *sdktrace.TracerProvider
	Log        *zap.Logger
}

// announce publishes build info and logs the observability setup once at start.
func announce(p announceParams) error {
	units := p.Accounting.Get().Units
	if err := metrics.RegisterBuildInfo(p.Registerer, p.Metrics, p.Config.Version, units); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("log_level", p.Config.LogLevel),
		zap.Bool("tracing", p.Config.OtelEnabled),
		zap.Strings("units", units),
	}
	if p.Config.OtelEnabled {
		fields = append(fields,
			zap.String("otlp_endpoint", p.Config.OtelExporterEndpoint),
			zap.String("otlp_protocol", p.Config.OtelExporterProtocol),
			zap.Float64("sampling_ratio", p.Config.OtelSamplingRatio),
		)
	}
	p.Log.Named("observability").Info("observability ready", fields...)
	return nil
}

func (c Config) loggerConfig() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) tracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) metricsConfig() metrics.Config {
	return metrics.Config{
		ServiceName: c.ServiceName,
		Environment: c.Environment,
	}
}
