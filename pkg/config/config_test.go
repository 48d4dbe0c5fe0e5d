package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/renderapm/pkg/apm"
)

// clearEnv unsets every variable LoadFromEnv reads for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RENDERAPM_SERVICE_NAME", "OTEL_SERVICE_NAME", "RENDERAPM_ENABLED",
		"RENDERAPM_ABORT_ON_AGENT_ERROR", "RENDERAPM_WARN_INTERVAL",
		"RENDERAPM_LOG_LEVEL", "LOG_LEVEL", "RENDERAPM_LOG_FORMAT", "KUBERNETES_SERVICE_HOST",
		"RENDERAPM_TELEMETRY_EXPORTER", "RENDERAPM_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"RENDERAPM_TELEMETRY_INSECURE", "RENDERAPM_TELEMETRY_SAMPLING_RATE",
		"RENDERAPM_OTEL_AGENT_ENABLED", "RENDERAPM_PROMETHEUS_AGENT_ENABLED", "RENDERAPM_PROMETHEUS_NAMESPACE",
		"RENDERAPM_REDIS_AGENT_ENABLED", "RENDERAPM_REDIS_URL", "REDIS_URL", "RENDERAPM_REDIS_KEY_PREFIX",
		"RENDERAPM_REDIS_SAMPLE_LIMIT", "RENDERAPM_REDIS_TTL", "RENDERAPM_REDIS_TIMEOUT",
		"RENDERAPM_REDIS_CONNECT_ATTEMPTS", "RENDERAPM_REDIS_BREAKER_THRESHOLD", "RENDERAPM_REDIS_BREAKER_SLEEP",
	} {
		if v, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { _ = os.Setenv(key, v) })
			_ = os.Unsetenv(key)
		}
	}
}

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()

	assert.Equal(t, "renderapm", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.AbortOnAgentError)
	assert.Zero(t, cfg.WarnInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, ExporterNone, cfg.Telemetry.Exporter)
	assert.Equal(t, 1.0, cfg.Telemetry.SamplingRate)

	assert.True(t, cfg.Agents.OTel.Enabled)
	assert.True(t, cfg.Agents.Prometheus.Enabled)
	assert.False(t, cfg.Agents.Redis.Enabled)
	assert.Equal(t, 100, cfg.Agents.Redis.SampleLimit)
	assert.Equal(t, 24*time.Hour, cfg.Agents.Redis.TTL)
	assert.Equal(t, 3, cfg.Agents.Redis.ConnectAttempts)
	assert.Equal(t, 5, cfg.Agents.Redis.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Agents.Redis.BreakerSleep)

	require.NoError(t, cfg.Validate())
}

func TestKubernetesDefaultsToJSONLogs(t *testing.T) {
	clearEnv(t)
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	assert.Equal(t, "json", DefaultConfig().Logging.Format)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("OTEL_SERVICE_NAME", "storefront")
	t.Setenv("RENDERAPM_ENABLED", "off")
	t.Setenv("RENDERAPM_ABORT_ON_AGENT_ERROR", "yes")
	t.Setenv("RENDERAPM_WARN_INTERVAL", "5s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("RENDERAPM_REDIS_AGENT_ENABLED", "1")
	t.Setenv("RENDERAPM_REDIS_SAMPLE_LIMIT", "10")
	t.Setenv("RENDERAPM_REDIS_BREAKER_SLEEP", "1m")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "storefront", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.AbortOnAgentError)
	assert.Equal(t, 5*time.Second, cfg.WarnInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ExporterOTLP, cfg.Telemetry.Exporter, "an endpoint implies the otlp exporter")
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.True(t, cfg.Agents.Redis.Enabled)
	assert.Equal(t, "redis://cache:6379", cfg.Agents.Redis.URL)
	assert.Equal(t, 10, cfg.Agents.Redis.SampleLimit)
	assert.Equal(t, time.Minute, cfg.Agents.Redis.BreakerSleep)
}

func TestLoadFromEnvPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("OTEL_SERVICE_NAME", "generic")
	t.Setenv("RENDERAPM_SERVICE_NAME", "specific")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "specific", cfg.ServiceName)
}

func TestLoadFromEnvInvalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"RENDERAPM_WARN_INTERVAL", "soon"},
		{"RENDERAPM_TELEMETRY_SAMPLING_RATE", "half"},
		{"RENDERAPM_REDIS_SAMPLE_LIMIT", "many"},
		{"RENDERAPM_REDIS_TTL", "forever"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			err := DefaultConfig().LoadFromEnv()
			require.Error(t, err)
			assert.ErrorIs(t, err, apm.ErrInvalidConfiguration)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "renderapm.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
service_name: storefront
warn_interval: 30s
telemetry:
  exporter: stdout
agents:
  prometheus:
    namespace: shop
    buckets: [0.001, 0.01, 0.1]
  redis:
    enabled: true
    url: redis://cache:6379
    ttl: 1h
`), 0o600))

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromFile(path))
		assert.Equal(t, "storefront", cfg.ServiceName)
		assert.Equal(t, 30*time.Second, cfg.WarnInterval)
		assert.Equal(t, ExporterStdout, cfg.Telemetry.Exporter)
		assert.Equal(t, "shop", cfg.Agents.Prometheus.Namespace)
		assert.Equal(t, []float64{0.001, 0.01, 0.1}, cfg.Agents.Prometheus.Buckets)
		assert.True(t, cfg.Agents.Redis.Enabled)
		assert.Equal(t, time.Hour, cfg.Agents.Redis.TTL)
		// untouched keys keep their defaults
		assert.True(t, cfg.Agents.OTel.Enabled)
		assert.Equal(t, 100, cfg.Agents.Redis.SampleLimit)
		require.NoError(t, cfg.Validate())
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "renderapm.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
  "service_name": "checkout",
  "abort_on_agent_error": true,
  "agents": {"otel": {"enabled": false}}
}`), 0o600))

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromFile(path))
		assert.Equal(t, "checkout", cfg.ServiceName)
		assert.True(t, cfg.AbortOnAgentError)
		assert.False(t, cfg.Agents.OTel.Enabled)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		err := DefaultConfig().LoadFromFile(filepath.Join(dir, "renderapm.toml"))
		assert.ErrorIs(t, err, apm.ErrInvalidConfiguration)
	})

	t.Run("missing file", func(t *testing.T) {
		err := DefaultConfig().LoadFromFile(filepath.Join(dir, "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("service_name: [unterminated"), 0o600))
		err := DefaultConfig().LoadFromFile(path)
		assert.ErrorIs(t, err, apm.ErrInvalidConfiguration)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"empty service name", func(c *Config) { c.ServiceName = " " }, apm.ErrMissingConfiguration},
		{"negative warn interval", func(c *Config) { c.WarnInterval = -time.Second }, apm.ErrInvalidConfiguration},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, apm.ErrInvalidConfiguration},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, apm.ErrInvalidConfiguration},
		{"unknown exporter", func(c *Config) { c.Telemetry.Exporter = "zipkin" }, apm.ErrInvalidConfiguration},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.Exporter = ExporterOTLP }, apm.ErrMissingConfiguration},
		{"sampling rate above one", func(c *Config) { c.Telemetry.SamplingRate = 1.5 }, apm.ErrInvalidConfiguration},
		{"prometheus without namespace", func(c *Config) { c.Agents.Prometheus.Namespace = "" }, apm.ErrMissingConfiguration},
		{"unsorted buckets", func(c *Config) { c.Agents.Prometheus.Buckets = []float64{1, 0.5} }, apm.ErrInvalidConfiguration},
		{"redis without url", func(c *Config) {
			c.Agents.Redis.Enabled = true
			c.Agents.Redis.URL = ""
		}, apm.ErrMissingConfiguration},
		{"redis zero sample limit", func(c *Config) {
			c.Agents.Redis.Enabled = true
			c.Agents.Redis.SampleLimit = 0
		}, apm.ErrInvalidConfiguration},
		{"redis zero connect attempts", func(c *Config) {
			c.Agents.Redis.Enabled = true
			c.Agents.Redis.ConnectAttempts = 0
		}, apm.ErrInvalidConfiguration},
		{"redis breaker without sleep", func(c *Config) {
			c.Agents.Redis.Enabled = true
			c.Agents.Redis.BreakerSleep = 0
		}, apm.ErrMissingConfiguration},
		{"redis breaker disabled", func(c *Config) {
			c.Agents.Redis.Enabled = true
			c.Agents.Redis.BreakerThreshold = 0
			c.Agents.Redis.BreakerSleep = 0
		}, nil},
		{"disabled redis is not checked", func(c *Config) { c.Agents.Redis.URL = "" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, apm.IsConfigurationError(err))

			var apmErr *apm.Error
			require.ErrorAs(t, err, &apmErr)
			assert.Equal(t, apm.KindConfig, apmErr.Kind)
		})
	}
}

func TestNewConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("RENDERAPM_SERVICE_NAME", "from-env")

	cfg, err := NewConfig(
		WithServiceName("from-option"),
		WithEnabled(false),
		WithAbortOnAgentError(true),
		WithWarnInterval(time.Minute),
		WithLogLevel("warn"),
		WithLogFormat("json"),
		WithTelemetry("OTLP", "collector:4317"),
		WithSamplingRate(0.25),
		WithOTelAgent(false),
		WithPrometheusAgent(true, "shop"),
		WithRedisAgent(true, "redis://cache:6379"),
	)
	require.NoError(t, err)

	assert.Equal(t, "from-option", cfg.ServiceName, "options override the environment")
	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.AbortOnAgentError)
	assert.Equal(t, time.Minute, cfg.WarnInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ExporterOTLP, cfg.Telemetry.Exporter)
	assert.Equal(t, 0.25, cfg.Telemetry.SamplingRate)
	assert.False(t, cfg.Agents.OTel.Enabled)
	assert.Equal(t, "shop", cfg.Agents.Prometheus.Namespace)
	assert.Equal(t, "redis://cache:6379", cfg.Agents.Redis.URL)
}

func TestNewConfigErrors(t *testing.T) {
	clearEnv(t)

	_, err := NewConfig(WithSamplingRate(2))
	assert.ErrorIs(t, err, apm.ErrInvalidConfiguration)

	_, err = NewConfig(WithTelemetry(ExporterOTLP, ""))
	assert.ErrorIs(t, err, apm.ErrMissingConfiguration)

	_, err = NewConfig(WithConfigFile(filepath.Join(t.TempDir(), "absent.yml")))
	assert.Error(t, err)
}

func TestFileThenOptionOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "renderapm.yml")
	require.NoError(t, os.WriteFile(path, []byte("service_name: from-file\n"), 0o600))

	cfg, err := NewConfig(WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.ServiceName)

	cfg, err = NewConfig(WithConfigFile(path), WithServiceName("from-option"))
	require.NoError(t, err)
	assert.Equal(t, "from-option", cfg.ServiceName)
}
