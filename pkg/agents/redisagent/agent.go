// Package redisagent keeps recent component render samples and running
// totals in Redis, so several instances of a service can be inspected from
// one place.
//
// Keys, for prefix "renderapm" and component "header":
//
//	renderapm:components                 set of every component seen
//	renderapm:component:header:samples   list of recent samples, newest first
//	renderapm:component:header:stats     hash with count and total_us
//
// Nothing is written on start; a render costs one pipelined round trip on stop.
package redisagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/resilience"
	"github.com/itsneelabh/renderapm/pkg/telemetry"
)

// Name is the agent identity used in span correlation keys
const Name = "RedisAgent"

// Sample is one completed component render
type Sample struct {
	ID            string    `json:"id"`
	Component     string    `json:"component"`
	RequestID     string    `json:"request_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	DurationUS    int64     `json:"duration_us"`
}

// Duration returns the render time of the sample
func (s Sample) Duration() time.Duration {
	return time.Duration(s.DurationUS) * time.Microsecond
}

// ComponentStats are the running totals of one component
type ComponentStats struct {
	Component string        `json:"component"`
	Count     int64         `json:"count"`
	Total     time.Duration `json:"total"`
}

// Mean returns the average render time
func (s ComponentStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Agent records component renders into Redis
type Agent struct {
	client      *redis.Client
	prefix      string
	sampleLimit int64
	ttl         time.Duration
	timeout     time.Duration
	breaker     *resilience.CircuitBreaker
	retry       *resilience.RetryConfig

	enabled        atomic.Bool
	logsComponents bool
	now            func() time.Time
}

var _ apm.Agent = (*Agent)(nil)

// Option configures an Agent
type Option func(*Agent)

// WithKeyPrefix sets the prefix of every key
func WithKeyPrefix(prefix string) Option {
	return func(a *Agent) {
		if prefix != "" {
			a.prefix = prefix
		}
	}
}

// WithSampleLimit caps the samples kept per component
func WithSampleLimit(limit int) Option {
	return func(a *Agent) {
		if limit > 0 {
			a.sampleLimit = int64(limit)
		}
	}
}

// WithTTL expires component keys after ttl without renders. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(a *Agent) {
		a.ttl = ttl
	}
}

// WithTimeout bounds the Redis round trip made on stop
func WithTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithCircuitBreaker guards the writes made on stop. While the circuit is
// open StopComponentSpan fails fast with resilience.ErrCircuitBreakerOpen.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Agent) {
		a.breaker = cb
	}
}

// WithConnectRetry retries the initial ping of NewFromURL
func WithConnectRetry(cfg *resilience.RetryConfig) Option {
	return func(a *Agent) {
		a.retry = cfg
	}
}

// WithLogsComponents sets what LogsComponents reports
func WithLogsComponents(logs bool) Option {
	return func(a *Agent) {
		a.logsComponents = logs
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		a.now = now
	}
}

// New creates an agent writing through client
func New(client *redis.Client, opts ...Option) *Agent {
	a := &Agent{
		client:         client,
		prefix:         "renderapm",
		sampleLimit:    100,
		ttl:            24 * time.Hour,
		timeout:        500 * time.Millisecond,
		retry:          &resilience.RetryConfig{MaxAttempts: 1},
		logsComponents: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.enabled.Store(true)
	return a
}

// NewFromURL connects to redisURL and verifies the connection, retrying
// as configured by WithConnectRetry
func NewFromURL(ctx context.Context, redisURL string, opts ...Option) (*Agent, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	a := New(redis.NewClient(redisOpts), opts...)

	err = resilience.Retry(ctx, a.retry, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return a.client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = a.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return a, nil
}

// AgentName implements apm.Named
func (a *Agent) AgentName() string {
	return Name
}

// Enabled implements apm.Agent
func (a *Agent) Enabled() bool {
	return a.enabled.Load()
}

// SetEnabled toggles the agent at runtime
func (a *Agent) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
}

// LogsComponents implements apm.Agent
func (a *Agent) LogsComponents() bool {
	return a.logsComponents
}

// StartComponentSpan captures the start of a render. It does no I/O.
func (a *Agent) StartComponentSpan(ctx context.Context, component string) (apm.SpanHandle, error) {
	return &Sample{
		ID:            uuid.New().String(),
		Component:     component,
		RequestID:     telemetry.GetRequestID(ctx),
		CorrelationID: telemetry.GetCorrelationID(ctx),
		StartedAt:     a.now(),
	}, nil
}

// StopComponentSpan completes the sample and writes it with the running totals
func (a *Agent) StopComponentSpan(ctx context.Context, component string, handle apm.SpanHandle) error {
	started, ok := handle.(*Sample)
	if !ok || started == nil {
		return fmt.Errorf("%w: unexpected handle %T", apm.ErrSpanNotFound, handle)
	}

	sample := *started
	sample.DurationUS = a.now().Sub(sample.StartedAt).Microseconds()

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to serialize sample: %w", err)
	}

	// The write outlives a cancelled request but not the timeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	samplesKey := a.samplesKey(component)
	statsKey := a.statsKey(component)

	write := func() error {
		_, err := a.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, a.componentsKey(), component)
			pipe.LPush(ctx, samplesKey, data)
			pipe.LTrim(ctx, samplesKey, 0, a.sampleLimit-1)
			pipe.HIncrBy(ctx, statsKey, "count", 1)
			pipe.HIncrBy(ctx, statsKey, "total_us", sample.DurationUS)
			if a.ttl > 0 {
				pipe.Expire(ctx, samplesKey, a.ttl)
				pipe.Expire(ctx, statsKey, a.ttl)
			}
			return nil
		})
		return err
	}

	if a.breaker != nil {
		err = a.breaker.Execute(ctx, write)
	} else {
		err = write()
	}
	if err != nil {
		return fmt.Errorf("failed to record sample for %s: %w", component, err)
	}
	return nil
}

// Samples returns up to n recent samples of component, newest first
func (a *Agent) Samples(ctx context.Context, component string, n int) ([]Sample, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := a.client.LRange(ctx, a.samplesKey(component), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}

	samples := make([]Sample, 0, len(raw))
	for _, item := range raw {
		var s Sample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			return nil, fmt.Errorf("failed to deserialize sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Stats returns the running totals of component. Unknown components have zero counts.
func (a *Agent) Stats(ctx context.Context, component string) (ComponentStats, error) {
	stats := ComponentStats{Component: component}

	fields, err := a.client.HGetAll(ctx, a.statsKey(component)).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to read stats: %w", err)
	}
	if v, ok := fields["count"]; ok {
		if stats.Count, err = strconv.ParseInt(v, 10, 64); err != nil {
			return stats, fmt.Errorf("corrupt count for %s: %w", component, err)
		}
	}
	if v, ok := fields["total_us"]; ok {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return stats, fmt.Errorf("corrupt total for %s: %w", component, err)
		}
		stats.Total = time.Duration(us) * time.Microsecond
	}
	return stats, nil
}

// Components lists every component recorded so far
func (a *Agent) Components(ctx context.Context) ([]string, error) {
	names, err := a.client.SMembers(ctx, a.componentsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read components: %w", err)
	}
	return names, nil
}

// Close releases the Redis connection pool
func (a *Agent) Close() error {
	return a.client.Close()
}

func (a *Agent) componentsKey() string {
	return a.prefix + ":components"
}

func (a *Agent) samplesKey(component string) string {
	return a.prefix + ":component:" + component + ":samples"
}

func (a *Agent) statsKey(component string) string {
	return a.prefix + ":component:" + component + ":stats"
}
