// Package apmtest provides a configurable mock agent for tests
package apmtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/itsneelabh/renderapm/pkg/apm"
)

// Call records one StartComponentSpan or StopComponentSpan invocation
type Call struct {
	Component string
	Handle    apm.SpanHandle
}

// MockAgent is a configurable mock implementation of apm.Agent
type MockAgent struct {
	name           string
	enabled        atomic.Bool
	logsComponents atomic.Bool

	// Behavior configuration
	StartFunc func(ctx context.Context, component string) (apm.SpanHandle, error)
	StopFunc  func(ctx context.Context, component string, handle apm.SpanHandle) error

	// State tracking
	mu     sync.Mutex
	starts []Call
	stops  []Call
	seq    int
}

// NewMockAgent creates an enabled, component-logging mock agent.
// Its span handles are strings of the form "<name>-<component>-<n>".
func NewMockAgent(name string) *MockAgent {
	m := &MockAgent{name: name}
	m.enabled.Store(true)
	m.logsComponents.Store(true)
	return m
}

// AgentName implements apm.Named
func (m *MockAgent) AgentName() string {
	return m.name
}

// Enabled implements apm.Agent
func (m *MockAgent) Enabled() bool {
	return m.enabled.Load()
}

// LogsComponents implements apm.Agent
func (m *MockAgent) LogsComponents() bool {
	return m.logsComponents.Load()
}

// SetEnabled changes what Enabled reports
func (m *MockAgent) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// SetLogsComponents changes what LogsComponents reports
func (m *MockAgent) SetLogsComponents(logs bool) {
	m.logsComponents.Store(logs)
}

// StartComponentSpan implements apm.Agent
func (m *MockAgent) StartComponentSpan(ctx context.Context, component string) (apm.SpanHandle, error) {
	var (
		handle apm.SpanHandle
		err    error
	)
	if m.StartFunc != nil {
		handle, err = m.StartFunc(ctx, component)
	} else {
		m.mu.Lock()
		m.seq++
		handle = fmt.Sprintf("%s-%s-%d", m.name, component, m.seq)
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.starts = append(m.starts, Call{Component: component, Handle: handle})
	m.mu.Unlock()
	return handle, err
}

// StopComponentSpan implements apm.Agent
func (m *MockAgent) StopComponentSpan(ctx context.Context, component string, handle apm.SpanHandle) error {
	m.mu.Lock()
	m.stops = append(m.stops, Call{Component: component, Handle: handle})
	m.mu.Unlock()

	if m.StopFunc != nil {
		return m.StopFunc(ctx, component, handle)
	}
	return nil
}

// Starts returns a copy of the recorded start calls
func (m *MockAgent) Starts() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.starts...)
}

// Stops returns a copy of the recorded stop calls
func (m *MockAgent) Stops() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.stops...)
}

// StartCount returns how many spans were started
func (m *MockAgent) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

// StopCount returns how many spans were stopped
func (m *MockAgent) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stops)
}
