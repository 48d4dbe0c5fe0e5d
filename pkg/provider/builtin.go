package provider

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itsneelabh/renderapm/pkg/agents/otelagent"
	"github.com/itsneelabh/renderapm/pkg/agents/promagent"
	"github.com/itsneelabh/renderapm/pkg/agents/redisagent"
	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/config"
	"github.com/itsneelabh/renderapm/pkg/logger"
	"github.com/itsneelabh/renderapm/pkg/resilience"
	"github.com/itsneelabh/renderapm/pkg/telemetry"
)

// Names of the built-in agents
const (
	OTel       = "otel"
	Prometheus = "prometheus"
	Redis      = "redis"
)

// OTelFactory creates agents reporting through Providers
type OTelFactory struct {
	Providers *telemetry.Providers
}

func (f *OTelFactory) Name() string        { return OTel }
func (f *OTelFactory) Description() string { return "OpenTelemetry span and duration histogram per component" }

func (f *OTelFactory) Enabled(cfg *config.Config) bool {
	return cfg.Agents.OTel.Enabled
}

func (f *OTelFactory) Create(ctx context.Context, cfg *config.Config) (apm.Agent, error) {
	return otelagent.New(f.Providers.TracerProvider, f.Providers.MeterProvider,
		otelagent.WithInstrumentationName(cfg.Agents.OTel.InstrumentationName),
		otelagent.WithLogsComponents(cfg.Agents.OTel.LogsComponents),
	)
}

// PrometheusFactory creates agents registering on Registerer
type PrometheusFactory struct {
	Registerer prometheus.Registerer
}

func (f *PrometheusFactory) Name() string        { return Prometheus }
func (f *PrometheusFactory) Description() string { return "Prometheus render histogram, in-flight gauge and counter" }

func (f *PrometheusFactory) Enabled(cfg *config.Config) bool {
	return cfg.Agents.Prometheus.Enabled
}

func (f *PrometheusFactory) Create(ctx context.Context, cfg *config.Config) (apm.Agent, error) {
	return promagent.New(f.Registerer,
		promagent.WithNamespace(cfg.Agents.Prometheus.Namespace),
		promagent.WithBuckets(cfg.Agents.Prometheus.Buckets),
		promagent.WithConstLabels(prometheus.Labels{"service": cfg.ServiceName}),
		promagent.WithLogsComponents(cfg.Agents.Prometheus.LogsComponents),
	)
}

// RedisFactory creates agents connected to the configured Redis. Writes go
// through a circuit breaker whose events are counted on Providers when set.
type RedisFactory struct {
	Providers *telemetry.Providers
	Logger    logger.Logger
}

func (f *RedisFactory) Name() string        { return Redis }
func (f *RedisFactory) Description() string { return "Recent render samples and totals in Redis" }

func (f *RedisFactory) Enabled(cfg *config.Config) bool {
	return cfg.Agents.Redis.Enabled
}

func (f *RedisFactory) Create(ctx context.Context, cfg *config.Config) (apm.Agent, error) {
	rc := cfg.Agents.Redis
	opts := []redisagent.Option{
		redisagent.WithKeyPrefix(rc.KeyPrefix),
		redisagent.WithSampleLimit(rc.SampleLimit),
		redisagent.WithTTL(rc.TTL),
		redisagent.WithTimeout(rc.Timeout),
		redisagent.WithLogsComponents(rc.LogsComponents),
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = rc.ConnectAttempts
	opts = append(opts, redisagent.WithConnectRetry(retry))

	if rc.BreakerThreshold > 0 {
		breakerCfg := &resilience.CircuitBreakerConfig{
			Name:             Redis,
			FailureThreshold: rc.BreakerThreshold,
			SleepWindow:      rc.BreakerSleep,
			Logger:           f.Logger,
		}
		if f.Providers != nil {
			metrics, err := resilience.NewOTelMetricsCollector(f.Providers.Meter(telemetry.ScopeName))
			if err != nil {
				return nil, err
			}
			breakerCfg.Metrics = metrics
		}
		cb, err := resilience.NewCircuitBreaker(breakerCfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, redisagent.WithCircuitBreaker(cb))
	}

	return redisagent.NewFromURL(ctx, rc.URL, opts...)
}

// RegisterBuiltins registers the OTel, Prometheus and Redis factories
func RegisterBuiltins(p *Provider, providers *telemetry.Providers, reg prometheus.Registerer) error {
	for _, f := range []Factory{
		&OTelFactory{Providers: providers},
		&PrometheusFactory{Registerer: reg},
		&RedisFactory{Providers: providers, Logger: p.logger},
	} {
		if err := p.Register(f); err != nil {
			return err
		}
	}
	return nil
}
