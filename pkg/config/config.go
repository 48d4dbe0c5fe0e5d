// Package config loads the instrumentation settings.
//
// Configuration is layered, lowest priority first:
//  1. Default values (DefaultConfig)
//  2. Environment variables (LoadFromEnv)
//  3. Functional options, including WithConfigFile
//
// and validated last. Example:
//
//	cfg, err := config.NewConfig(
//	    config.WithServiceName("storefront"),
//	    config.WithRedisAgent(true, "redis://cache:6379"),
//	)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/logger"
)

// Telemetry exporters
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlphttp"
)

// Config holds all settings of the instrumentation core and its built-in agents
type Config struct {
	ServiceName string `json:"service_name" yaml:"service_name" env:"RENDERAPM_SERVICE_NAME,OTEL_SERVICE_NAME" default:"renderapm"`
	// Enabled is the initial position of the process-wide switch
	Enabled           bool          `json:"enabled" yaml:"enabled" env:"RENDERAPM_ENABLED" default:"true"`
	AbortOnAgentError bool          `json:"abort_on_agent_error" yaml:"abort_on_agent_error" env:"RENDERAPM_ABORT_ON_AGENT_ERROR" default:"false"`
	WarnInterval      time.Duration `json:"warn_interval" yaml:"warn_interval" env:"RENDERAPM_WARN_INTERVAL" default:"0s"`

	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Agents    AgentsConfig    `json:"agents" yaml:"agents"`
}

// LoggingConfig controls the process logger
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"RENDERAPM_LOG_LEVEL,LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"RENDERAPM_LOG_FORMAT" default:"text"`
}

// TelemetryConfig controls the OpenTelemetry providers the OTel agent reports through
type TelemetryConfig struct {
	Exporter     string  `json:"exporter" yaml:"exporter" env:"RENDERAPM_TELEMETRY_EXPORTER" default:"none"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" env:"RENDERAPM_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool    `json:"insecure" yaml:"insecure" env:"RENDERAPM_TELEMETRY_INSECURE" default:"true"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" env:"RENDERAPM_TELEMETRY_SAMPLING_RATE" default:"1.0"`
}

// AgentsConfig holds one section per built-in agent
type AgentsConfig struct {
	OTel       OTelAgentConfig       `json:"otel" yaml:"otel"`
	Prometheus PrometheusAgentConfig `json:"prometheus" yaml:"prometheus"`
	Redis      RedisAgentConfig      `json:"redis" yaml:"redis"`
}

// OTelAgentConfig configures the OpenTelemetry agent
type OTelAgentConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled" env:"RENDERAPM_OTEL_AGENT_ENABLED" default:"true"`
	LogsComponents      bool   `json:"logs_components" yaml:"logs_components" default:"true"`
	InstrumentationName string `json:"instrumentation_name" yaml:"instrumentation_name"`
}

// PrometheusAgentConfig configures the Prometheus agent
type PrometheusAgentConfig struct {
	Enabled        bool      `json:"enabled" yaml:"enabled" env:"RENDERAPM_PROMETHEUS_AGENT_ENABLED" default:"true"`
	LogsComponents bool      `json:"logs_components" yaml:"logs_components" default:"true"`
	Namespace      string    `json:"namespace" yaml:"namespace" env:"RENDERAPM_PROMETHEUS_NAMESPACE" default:"renderapm"`
	Buckets        []float64 `json:"buckets" yaml:"buckets"`
}

// RedisAgentConfig configures the Redis agent
type RedisAgentConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" env:"RENDERAPM_REDIS_AGENT_ENABLED" default:"false"`
	LogsComponents bool          `json:"logs_components" yaml:"logs_components" default:"true"`
	URL            string        `json:"url" yaml:"url" env:"RENDERAPM_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
	KeyPrefix      string        `json:"key_prefix" yaml:"key_prefix" env:"RENDERAPM_REDIS_KEY_PREFIX" default:"renderapm"`
	SampleLimit    int           `json:"sample_limit" yaml:"sample_limit" env:"RENDERAPM_REDIS_SAMPLE_LIMIT" default:"100"`
	TTL            time.Duration `json:"ttl" yaml:"ttl" env:"RENDERAPM_REDIS_TTL" default:"24h"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout" env:"RENDERAPM_REDIS_TIMEOUT" default:"500ms"`

	// ConnectAttempts bounds the pings made before the agent is given up on
	ConnectAttempts int `json:"connect_attempts" yaml:"connect_attempts" env:"RENDERAPM_REDIS_CONNECT_ATTEMPTS" default:"3"`

	// BreakerThreshold consecutive write failures open the circuit for
	// BreakerSleep. Zero disables the breaker.
	BreakerThreshold int           `json:"breaker_threshold" yaml:"breaker_threshold" env:"RENDERAPM_REDIS_BREAKER_THRESHOLD" default:"5"`
	BreakerSleep     time.Duration `json:"breaker_sleep" yaml:"breaker_sleep" env:"RENDERAPM_REDIS_BREAKER_SLEEP" default:"30s"`
}

// Option configures a Config and may reject invalid input
type Option func(*Config) error

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName: "renderapm",
		Enabled:     true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: logger.FormatText,
		},
		Telemetry: TelemetryConfig{
			Exporter:     ExporterNone,
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Agents: AgentsConfig{
			OTel: OTelAgentConfig{
				Enabled:             true,
				LogsComponents:      true,
				InstrumentationName: "github.com/itsneelabh/renderapm/otelagent",
			},
			Prometheus: PrometheusAgentConfig{
				Enabled:        true,
				LogsComponents: true,
				Namespace:      "renderapm",
			},
			Redis: RedisAgentConfig{
				LogsComponents: true,
				URL:            "redis://localhost:6379",
				KeyPrefix:      "renderapm",
				SampleLimit:    100,
				TTL:            24 * time.Hour,
				Timeout:        500 * time.Millisecond,

				ConnectAttempts:  3,
				BreakerThreshold: 5,
				BreakerSleep:     30 * time.Second,
			},
		},
	}

	// Structured logs inside Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		cfg.Logging.Format = logger.FormatJSON
	}
	return cfg
}

// LoadFromEnv overrides settings from the environment.
// Framework variables use the RENDERAPM_ prefix; OTEL_SERVICE_NAME,
// OTEL_EXPORTER_OTLP_ENDPOINT, LOG_LEVEL and REDIS_URL are honoured as fallbacks.
//
// Returns an error if a variable holds a value that cannot be parsed.
func (c *Config) LoadFromEnv() error {
	if v := firstEnv("RENDERAPM_SERVICE_NAME", "OTEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("RENDERAPM_ENABLED"); v != "" {
		c.Enabled = parseBool(v)
	}
	if v := os.Getenv("RENDERAPM_ABORT_ON_AGENT_ERROR"); v != "" {
		c.AbortOnAgentError = parseBool(v)
	}
	if v := os.Getenv("RENDERAPM_WARN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("RENDERAPM_WARN_INTERVAL", v, err)
		}
		c.WarnInterval = d
	}

	// Logging
	if v := firstEnv("RENDERAPM_LOG_LEVEL", "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RENDERAPM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Telemetry
	if v := os.Getenv("RENDERAPM_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = strings.ToLower(v)
	}
	if v := firstEnv("RENDERAPM_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		if os.Getenv("RENDERAPM_TELEMETRY_EXPORTER") == "" {
			c.Telemetry.Exporter = ExporterOTLP
		}
	}
	if v := os.Getenv("RENDERAPM_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}
	if v := os.Getenv("RENDERAPM_TELEMETRY_SAMPLING_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("RENDERAPM_TELEMETRY_SAMPLING_RATE", v, err)
		}
		c.Telemetry.SamplingRate = rate
	}

	// Agents
	if v := os.Getenv("RENDERAPM_OTEL_AGENT_ENABLED"); v != "" {
		c.Agents.OTel.Enabled = parseBool(v)
	}
	if v := os.Getenv("RENDERAPM_PROMETHEUS_AGENT_ENABLED"); v != "" {
		c.Agents.Prometheus.Enabled = parseBool(v)
	}
	if v := os.Getenv("RENDERAPM_PROMETHEUS_NAMESPACE"); v != "" {
		c.Agents.Prometheus.Namespace = v
	}
	if v := os.Getenv("RENDERAPM_REDIS_AGENT_ENABLED"); v != "" {
		c.Agents.Redis.Enabled = parseBool(v)
	}
	if v := firstEnv("RENDERAPM_REDIS_URL", "REDIS_URL"); v != "" {
		c.Agents.Redis.URL = v
	}
	if v := os.Getenv("RENDERAPM_REDIS_KEY_PREFIX"); v != "" {
		c.Agents.Redis.KeyPrefix = v
	}
	if v := os.Getenv("RENDERAPM_REDIS_SAMPLE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("RENDERAPM_REDIS_SAMPLE_LIMIT", v, err)
		}
		c.Agents.Redis.SampleLimit = n
	}
	if v := os.Getenv("RENDERAPM_REDIS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("RENDERAPM_REDIS_TTL", v, err)
		}
		c.Agents.Redis.TTL = d
	}
	if v := os.Getenv("RENDERAPM_REDIS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("RENDERAPM_REDIS_TIMEOUT", v, err)
		}
		c.Agents.Redis.Timeout = d
	}
	if v := os.Getenv("RENDERAPM_REDIS_CONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("RENDERAPM_REDIS_CONNECT_ATTEMPTS", v, err)
		}
		c.Agents.Redis.ConnectAttempts = n
	}
	if v := os.Getenv("RENDERAPM_REDIS_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("RENDERAPM_REDIS_BREAKER_THRESHOLD", v, err)
		}
		c.Agents.Redis.BreakerThreshold = n
	}
	if v := os.Getenv("RENDERAPM_REDIS_BREAKER_SLEEP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("RENDERAPM_REDIS_BREAKER_SLEEP", v, err)
		}
		c.Agents.Redis.BreakerSleep = d
	}

	return nil
}

// LoadFromFile merges a JSON or YAML file into the configuration.
// Keys absent from the file keep their current values. Durations are
// written as Go duration strings ("500ms", "24h") in both formats.
//
// Example YAML:
//
//	service_name: storefront
//	agents:
//	  redis:
//	    enabled: true
//	    url: redis://cache:6379
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return &apm.Error{
			Op:      "Config.LoadFromFile",
			Kind:    apm.KindConfig,
			Message: fmt.Sprintf("unsupported config file extension %q", ext),
			Err:     apm.ErrInvalidConfiguration,
		}
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	// JSON is a subset of YAML, one decoder serves both
	if err := yaml.Unmarshal(data, c); err != nil {
		return &apm.Error{
			Op:      "Config.LoadFromFile",
			Kind:    apm.KindConfig,
			Message: fmt.Sprintf("failed to parse %s: %v", cleanPath, err),
			Err:     apm.ErrInvalidConfiguration,
		}
	}
	return nil
}

// Validate checks the configuration and returns the first problem found.
// NewConfig calls it after all layers are applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return missing("service name is required")
	}
	if c.WarnInterval < 0 {
		return invalid("warn interval must not be negative: %s", c.WarnInterval)
	}

	if _, ok := logger.ParseLevel(c.Logging.Level); !ok {
		return invalid("unknown log level %q", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != logger.FormatText && f != logger.FormatJSON {
		return invalid("unknown log format %q", c.Logging.Format)
	}

	switch c.Telemetry.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP, ExporterOTLPHTTP:
		if c.Telemetry.Endpoint == "" {
			return missing("telemetry endpoint is required for the " + c.Telemetry.Exporter + " exporter")
		}
	default:
		return invalid("unknown telemetry exporter %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return invalid("sampling rate must be within [0, 1]: %v", c.Telemetry.SamplingRate)
	}

	prom := c.Agents.Prometheus
	if prom.Enabled && prom.Namespace == "" {
		return missing("prometheus namespace is required when the prometheus agent is enabled")
	}
	for i := 1; i < len(prom.Buckets); i++ {
		if prom.Buckets[i] <= prom.Buckets[i-1] {
			return invalid("prometheus buckets must be strictly increasing")
		}
	}

	redis := c.Agents.Redis
	if redis.Enabled {
		if redis.URL == "" {
			return missing("redis URL is required when the redis agent is enabled")
		}
		if redis.SampleLimit < 1 {
			return invalid("redis sample limit must be positive: %d", redis.SampleLimit)
		}
		if redis.TTL < 0 || redis.Timeout < 0 || redis.BreakerSleep < 0 {
			return invalid("redis durations must not be negative")
		}
		if redis.ConnectAttempts < 1 {
			return invalid("redis connect attempts must be positive: %d", redis.ConnectAttempts)
		}
		if redis.BreakerThreshold < 0 {
			return invalid("redis breaker threshold must not be negative: %d", redis.BreakerThreshold)
		}
		if redis.BreakerThreshold > 0 && redis.BreakerSleep == 0 {
			return missing("redis breaker sleep is required when the breaker is enabled")
		}
	}

	return nil
}

// NewConfig builds a configuration from defaults, the environment and opts, then validates it
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Functional options

// WithServiceName sets the name reported by every agent
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithEnabled sets the initial position of the instrumentation switch
func WithEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.Enabled = enabled
		return nil
	}
}

// WithAbortOnAgentError makes one failing agent end the dispatch for the others
func WithAbortOnAgentError(abort bool) Option {
	return func(c *Config) error {
		c.AbortOnAgentError = abort
		return nil
	}
}

// WithWarnInterval rate-limits dispatch warnings
func WithWarnInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval < 0 {
			return invalid("warn interval must not be negative: %s", interval)
		}
		c.WarnInterval = interval
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error)
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log format (text or json)
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithTelemetry selects the trace exporter and, for otlp, its endpoint
func WithTelemetry(exporter, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Exporter = strings.ToLower(exporter)
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithSamplingRate sets the trace sampling ratio
func WithSamplingRate(rate float64) Option {
	return func(c *Config) error {
		if rate < 0 || rate > 1 {
			return invalid("sampling rate must be within [0, 1]: %v", rate)
		}
		c.Telemetry.SamplingRate = rate
		return nil
	}
}

// WithOTelAgent turns the OpenTelemetry agent on or off
func WithOTelAgent(enabled bool) Option {
	return func(c *Config) error {
		c.Agents.OTel.Enabled = enabled
		return nil
	}
}

// WithPrometheusAgent turns the Prometheus agent on or off.
// An empty namespace keeps the current one.
func WithPrometheusAgent(enabled bool, namespace string) Option {
	return func(c *Config) error {
		c.Agents.Prometheus.Enabled = enabled
		if namespace != "" {
			c.Agents.Prometheus.Namespace = namespace
		}
		return nil
	}
}

// WithRedisAgent turns the Redis agent on or off. An empty url keeps the current one.
func WithRedisAgent(enabled bool, url string) Option {
	return func(c *Config) error {
		c.Agents.Redis.Enabled = enabled
		if url != "" {
			c.Agents.Redis.URL = url
		}
		return nil
	}
}

// WithConfigFile merges a JSON or YAML file. Options after it override the file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// Helper functions

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// parseBool accepts "true", "1", "yes", "on" (case-insensitive) as true
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func envError(key, value string, err error) error {
	return &apm.Error{
		Op:      "Config.LoadFromEnv",
		Kind:    apm.KindConfig,
		Message: fmt.Sprintf("invalid value %q for %s: %v", value, key, err),
		Err:     apm.ErrInvalidConfiguration,
	}
}

func invalid(format string, args ...interface{}) error {
	return &apm.Error{
		Op:      "Config.Validate",
		Kind:    apm.KindConfig,
		Message: fmt.Sprintf(format, args...),
		Err:     apm.ErrInvalidConfiguration,
	}
}

func missing(msg string) error {
	return &apm.Error{
		Op:      "Config.Validate",
		Kind:    apm.KindConfig,
		Message: msg,
		Err:     apm.ErrMissingConfiguration,
	}
}
