// Package registry holds the live set of monitoring agents that receive
// per-component instrumentation calls.
//
// Reads dominate: every nested component render of every request takes a
// snapshot, while agents come and go only on bind and unbind. The registry
// therefore publishes an immutable slice through an atomic pointer. Readers
// load it without locking; writers serialize on a mutex, copy, modify and
// swap.
package registry

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/logger"
)

// AgentRegistry is a concurrency-safe ordered collection of agents
type AgentRegistry struct {
	mu     sync.Mutex                  // serializes writers
	agents atomic.Pointer[[]apm.Agent] // published snapshot, never mutated in place
	logger logger.Logger
}

// New creates an empty registry. A nil logger discards output.
func New(log logger.Logger) *AgentRegistry {
	if log == nil {
		log = logger.NoOp{}
	}
	r := &AgentRegistry{logger: log}
	empty := make([]apm.Agent, 0)
	r.agents.Store(&empty)
	return r
}

// Register adds agent iff it is enabled and wants component-level logging
// at call time. Registering an agent that is already present is a no-op, and
// so is registering a different agent under an identity already in use, since
// span handles are keyed by identity. Agents of non-comparable types are
// refused. Returns true when the agent was added.
func (r *AgentRegistry) Register(agent apm.Agent) bool {
	if agent == nil {
		return false
	}

	name := apm.AgentName(agent)
	if !agent.Enabled() || !agent.LogsComponents() {
		r.logger.Debug("Agent not admitted", "agent", name,
			"enabled", agent.Enabled(), "logs_components", agent.LogsComponents())
		return false
	}
	// Deregister finds agents with ==, which never matches a non-comparable value
	if !reflect.TypeOf(agent).Comparable() {
		r.logger.Warn("Agent type is not comparable and could never be unbound, register a pointer instead",
			"agent", name, "type", reflect.TypeOf(agent).String())
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.agents.Load()
	for _, existing := range current {
		if apm.SameAgent(existing, agent) {
			r.logger.Debug("Agent already registered", "agent", name)
			return false
		}
	}
	for _, existing := range current {
		if apm.AgentName(existing) == name {
			r.logger.Warn("Agent identity already in use, implement apm.Named to disambiguate", "agent", name)
			return false
		}
	}

	next := make([]apm.Agent, len(current), len(current)+1)
	copy(next, current)
	next = append(next, agent)
	r.agents.Store(&next)

	r.logger.Debug("Agent registered", "agent", name, "agents", len(next))
	return true
}

// Deregister removes agent if present. Removing an absent agent is not an error.
// Returns true when the agent was removed.
func (r *AgentRegistry) Deregister(agent apm.Agent) bool {
	if agent == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.agents.Load()
	idx := -1
	for i, existing := range current {
		if apm.SameAgent(existing, agent) {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.logger.Debug("Agent not registered, nothing to remove", "agent", apm.AgentName(agent))
		return false
	}

	next := make([]apm.Agent, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	r.agents.Store(&next)

	r.logger.Debug("Agent deregistered", "agent", apm.AgentName(agent), "agents", len(next))
	return true
}

// Snapshot returns the agents in registration order. The returned slice is
// shared and must not be modified; later mutations never affect it.
func (r *AgentRegistry) Snapshot() []apm.Agent {
	return *r.agents.Load()
}

// IsEmpty reports whether no agent is registered
func (r *AgentRegistry) IsEmpty() bool {
	return len(*r.agents.Load()) == 0
}

// Len returns the number of registered agents
func (r *AgentRegistry) Len() int {
	return len(*r.agents.Load())
}

// Names returns the identities of the registered agents, in order
func (r *AgentRegistry) Names() []string {
	snapshot := r.Snapshot()
	names := make([]string, 0, len(snapshot))
	for _, agent := range snapshot {
		names = append(names, apm.AgentName(agent))
	}
	return names
}
