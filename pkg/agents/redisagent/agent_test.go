package redisagent

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/resilience"
	"github.com/itsneelabh/renderapm/pkg/telemetry"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func render(t *testing.T, agent *Agent, ctx context.Context, component string) {
	t.Helper()
	h, err := agent.StartComponentSpan(ctx, component)
	require.NoError(t, err)
	require.NoError(t, agent.StopComponentSpan(ctx, component, h))
}

func TestAgentIdentity(t *testing.T) {
	_, client := setupTestRedis(t)
	agent := New(client, WithLogsComponents(false))

	assert.Equal(t, Name, apm.AgentName(agent))
	assert.True(t, agent.Enabled())
	assert.False(t, agent.LogsComponents())
	agent.SetEnabled(false)
	assert.False(t, agent.Enabled())
}

func TestStartDoesNoIO(t *testing.T) {
	mr, client := setupTestRedis(t)
	agent := New(client)

	_, err := agent.StartComponentSpan(context.Background(), "header")
	require.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestRecordSample(t *testing.T) {
	mr, client := setupTestRedis(t)
	clock := &stepClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), step: 1500 * time.Microsecond}
	agent := New(client, WithKeyPrefix("shop"), WithClock(clock.Now), WithTTL(time.Hour))

	ctx := telemetry.WithRequestIDs(context.Background(), telemetry.RequestIDs{Correlation: "corr-1", Request: "req-1"})
	render(t, agent, ctx, "header")

	assert.ElementsMatch(t, []string{"shop:components", "shop:component:header:samples", "shop:component:header:stats"}, mr.Keys())
	assert.Equal(t, time.Hour, mr.TTL("shop:component:header:samples"))
	assert.Equal(t, time.Hour, mr.TTL("shop:component:header:stats"))

	samples, err := agent.Samples(context.Background(), "header", 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	s := samples[0]
	assert.Len(t, s.ID, 36)
	assert.Equal(t, "header", s.Component)
	assert.Equal(t, "req-1", s.RequestID)
	assert.Equal(t, "corr-1", s.CorrelationID)
	assert.Equal(t, int64(1500), s.DurationUS)
	assert.Equal(t, 1500*time.Microsecond, s.Duration())
	assert.True(t, s.StartedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	stats, err := agent.Stats(context.Background(), "header")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, 1500*time.Microsecond, stats.Total)
}

func TestSamplesAreCapped(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := &stepClock{t: time.Unix(0, 0), step: time.Millisecond}
	agent := New(client, WithSampleLimit(3), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		render(t, agent, context.Background(), "body")
	}

	samples, err := agent.Samples(context.Background(), "body", 10)
	require.NoError(t, err)
	assert.Len(t, samples, 3)
	assert.True(t, samples[0].StartedAt.After(samples[2].StartedAt), "newest first")

	stats, err := agent.Stats(context.Background(), "body")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Count, "totals keep counting past the sample cap")
	assert.Equal(t, 5*time.Millisecond, stats.Total)
	assert.Equal(t, time.Millisecond, stats.Mean())
}

func TestComponentsAndUnknownStats(t *testing.T) {
	_, client := setupTestRedis(t)
	agent := New(client)

	for _, c := range []string{"header", "body", "header"} {
		render(t, agent, context.Background(), c)
	}

	names, err := agent.Components(context.Background())
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"body", "header"}, names)

	stats, err := agent.Stats(context.Background(), "footer")
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.Mean())

	samples, err := agent.Samples(context.Background(), "header", 0)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestStopSurvivesCancelledRequest(t *testing.T) {
	_, client := setupTestRedis(t)
	agent := New(client)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := agent.StartComponentSpan(ctx, "footer")
	require.NoError(t, err)
	cancel()

	require.NoError(t, agent.StopComponentSpan(ctx, "footer", h))
	stats, err := agent.Stats(context.Background(), "footer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

func TestStopFailsWhenRedisIsDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	agent := New(client, WithTimeout(100*time.Millisecond))

	h, err := agent.StartComponentSpan(context.Background(), "header")
	require.NoError(t, err)
	mr.Close()

	err = agent.StopComponentSpan(context.Background(), "header", h)
	assert.Error(t, err)
}

func TestStopWithForeignHandle(t *testing.T) {
	_, client := setupTestRedis(t)
	agent := New(client)

	err := agent.StopComponentSpan(context.Background(), "header", struct{}{})
	assert.ErrorIs(t, err, apm.ErrSpanNotFound)
}

func TestNewFromURL(t *testing.T) {
	mr, _ := setupTestRedis(t)

	agent, err := NewFromURL(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()), WithKeyPrefix("x"))
	require.NoError(t, err)
	defer agent.Close()
	render(t, agent, context.Background(), "header")
	assert.True(t, mr.Exists("x:component:header:stats"))

	_, err = NewFromURL(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestBreakerFailsFastWhenRedisIsDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	cb, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:             "redis",
		FailureThreshold: 1,
		SleepWindow:      time.Minute,
	})
	require.NoError(t, err)
	agent := New(client, WithTimeout(100*time.Millisecond), WithCircuitBreaker(cb))

	render(t, agent, context.Background(), "header")
	assert.Equal(t, resilience.StateClosed, cb.GetState())

	mr.Close()
	h, err := agent.StartComponentSpan(context.Background(), "header")
	require.NoError(t, err)
	err = agent.StopComponentSpan(context.Background(), "header", h)
	require.Error(t, err)
	assert.NotErrorIs(t, err, resilience.ErrCircuitBreakerOpen)
	assert.Equal(t, resilience.StateOpen, cb.GetState())

	h, err = agent.StartComponentSpan(context.Background(), "header")
	require.NoError(t, err)
	err = agent.StopComponentSpan(context.Background(), "header", h)
	assert.ErrorIs(t, err, resilience.ErrCircuitBreakerOpen)
}

func TestNewFromURLRetriesConnect(t *testing.T) {
	_, err := NewFromURL(context.Background(), "redis://127.0.0.1:1",
		WithConnectRetry(&resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}))
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrMaxRetriesExceeded)
}
