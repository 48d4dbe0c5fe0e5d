// Package apm defines the contract between the render pipeline and the
// monitoring agents that time component renders.
package apm

import (
	"context"
	"reflect"
	"sync/atomic"
)

// SpanHandle is the opaque value an agent returns when a span starts.
// The dispatcher never inspects it; it is handed back to the same agent on stop.
type SpanHandle any

// Agent is a pluggable monitoring backend.
//
// Implementations must be safe for concurrent use: many requests start and
// stop spans on the same agent at once. StartComponentSpan should not block,
// since it runs on the request goroutine. The dynamic type must be
// comparable, in practice a pointer, so the agent can be found again on unbind.
type Agent interface {
	// Enabled reports whether the agent currently wants to receive calls.
	// It is re-checked on every dispatch.
	Enabled() bool

	// LogsComponents reports whether the agent wants per-component spans
	// as opposed to per-request ones. Checked once, at registration.
	LogsComponents() bool

	// StartComponentSpan starts timing the named component.
	StartComponentSpan(ctx context.Context, component string) (SpanHandle, error)

	// StopComponentSpan closes a span previously returned by StartComponentSpan.
	StopComponentSpan(ctx context.Context, component string, handle SpanHandle) error
}

// Named lets an agent choose the identity used in span correlation keys
// instead of its Go type name.
type Named interface {
	AgentName() string
}

// AgentName returns the identity of an agent used for span correlation.
// Agents implementing Named decide for themselves; otherwise it is the
// unqualified name of the dynamic type with pointers stripped, so
// *otelagent.Agent and otelagent.Agent both yield "Agent".
func AgentName(agent Agent) string {
	if agent == nil {
		return ""
	}
	if named, ok := agent.(Named); ok {
		if name := named.AgentName(); name != "" {
			return name
		}
	}

	t := reflect.TypeOf(agent)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

// SameAgent reports whether a and b are the same agent instance.
// Agents whose dynamic type is not comparable are never equal to anything,
// which keeps == from panicking on them. The registry refuses such agents.
func SameAgent(a, b Agent) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Switch is the process-wide enablement toggle. The zero value is off.
type Switch struct {
	on atomic.Bool
}

// NewSwitch returns a switch in the given state
func NewSwitch(enabled bool) *Switch {
	s := &Switch{}
	s.on.Store(enabled)
	return s
}

// Enabled reports whether instrumentation is on. A nil switch counts as on.
func (s *Switch) Enabled() bool {
	if s == nil {
		return true
	}
	return s.on.Load()
}

// Set flips the switch and returns the previous state
func (s *Switch) Set(enabled bool) bool {
	return s.on.Swap(enabled)
}
