package registry

import (
	"fmt"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/logger"
)

// ServiceRef is the opaque handle delivered with bind and unbind notifications
type ServiceRef any

// ServiceResolver turns a service handle into a concrete agent
type ServiceResolver interface {
	ResolveAgent(ref ServiceRef) (apm.Agent, error)
}

// ResolverFunc adapts a function to ServiceResolver
type ResolverFunc func(ref ServiceRef) (apm.Agent, error)

// ResolveAgent calls f(ref)
func (f ResolverFunc) ResolveAgent(ref ServiceRef) (apm.Agent, error) {
	return f(ref)
}

// Binder receives bind and unbind notifications from whatever manages agent
// lifecycles and keeps the registry in step. Notifications may arrive in any
// order and any number of times; nothing a binder does ever returns an error
// to the notifier.
type Binder struct {
	registry *AgentRegistry
	resolver ServiceResolver
	logger   logger.Logger
}

// NewBinder creates a binder feeding reg from resolver
func NewBinder(reg *AgentRegistry, resolver ServiceResolver, log logger.Logger) *Binder {
	if log == nil {
		log = logger.NoOp{}
	}
	return &Binder{
		registry: reg,
		resolver: resolver,
		logger:   log,
	}
}

// Registry returns the registry this binder maintains
func (b *Binder) Registry() *AgentRegistry {
	return b.registry
}

// Bind resolves ref and registers the agent. Returns true when it was admitted.
func (b *Binder) Bind(ref ServiceRef) bool {
	b.logger.Debug("in bind", "ref", fmt.Sprint(ref))

	agent, err := b.resolve("registry.bind", ref)
	if err != nil {
		b.logger.Warn("Could not resolve apm agent on bind", "ref", fmt.Sprint(ref), "error", err)
		return false
	}

	b.logger.Debug("binding apm agent", "agent", apm.AgentName(agent))
	return b.registry.Register(agent)
}

// Unbind resolves ref and removes the agent. Returns true when it was present.
func (b *Binder) Unbind(ref ServiceRef) bool {
	b.logger.Debug("in unbind", "ref", fmt.Sprint(ref))

	agent, err := b.resolve("registry.unbind", ref)
	if err != nil {
		b.logger.Warn("Could not resolve apm agent on unbind", "ref", fmt.Sprint(ref), "error", err)
		return false
	}

	b.logger.Debug("unbind apm agent", "agent", apm.AgentName(agent))
	return b.registry.Deregister(agent)
}

// resolve calls the resolver, converting panics and nil results into errors
func (b *Binder) resolve(op string, ref ServiceRef) (agent apm.Agent, err error) {
	if b.resolver == nil {
		return nil, &apm.Error{Op: op, Kind: apm.KindResolution, Message: "no service resolver configured", Err: apm.ErrAgentResolution}
	}

	defer func() {
		if v := recover(); v != nil {
			agent = nil
			err = &apm.Error{Op: op, Kind: apm.KindResolution, Err: fmt.Errorf("%w: %v", apm.ErrAgentResolution, v)}
		}
	}()

	agent, err = b.resolver.ResolveAgent(ref)
	if err != nil {
		return nil, &apm.Error{Op: op, Kind: apm.KindResolution, Err: fmt.Errorf("%w: %w", apm.ErrAgentResolution, err)}
	}
	if agent == nil {
		return nil, &apm.Error{Op: op, Kind: apm.KindResolution, Err: fmt.Errorf("%w: resolver returned no agent", apm.ErrAgentResolution)}
	}
	return agent, nil
}
