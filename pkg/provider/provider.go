// Package provider creates monitoring agents by name.
//
// Factories are registered on a Provider under a short name ("otel",
// "prometheus", "redis"). The Provider implements registry.ServiceResolver
// with that name as the service reference, so a Binder can bind and unbind
// agents by name. Created agents are cached: unbinding "redis" resolves the
// same instance that binding "redis" registered.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/config"
	"github.com/itsneelabh/renderapm/pkg/logger"
	"github.com/itsneelabh/renderapm/pkg/registry"
)

// Factory defines the interface for agent factories
type Factory interface {
	// Name returns the name agents of this factory are bound by
	Name() string

	// Description returns a human-readable description
	Description() string

	// Enabled reports whether cfg switches this agent on
	Enabled(cfg *config.Config) bool

	// Create builds a new agent from cfg
	Create(ctx context.Context, cfg *config.Config) (apm.Agent, error)
}

// Info describes one registered factory
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Created     bool   `json:"created"`
}

// Provider manages registered factories and the agents they created
type Provider struct {
	mu        sync.Mutex
	cfg       *config.Config
	factories map[string]Factory
	agents    map[string]apm.Agent
	logger    logger.Logger
}

var _ registry.ServiceResolver = (*Provider)(nil)

// New creates a provider building agents from cfg. A nil logger discards output.
func New(cfg *config.Config, log logger.Logger) *Provider {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.NoOp{}
	}
	return &Provider{
		cfg:       cfg,
		factories: make(map[string]Factory),
		agents:    make(map[string]apm.Agent),
		logger:    log,
	}
}

// Register adds a factory
func (p *Provider) Register(factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	name := factory.Name()
	if name == "" {
		return fmt.Errorf("factory.Name() cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.factories[name]; exists {
		return fmt.Errorf("agent factory '%s' already registered", name)
	}
	p.factories[name] = factory
	return nil
}

// MustRegister registers a factory and panics on error
func (p *Provider) MustRegister(factory Factory) {
	if err := p.Register(factory); err != nil {
		panic(fmt.Sprintf("failed to register agent factory: %v", err))
	}
}

// Names returns all registered factory names, sorted
func (p *Provider) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.factories))
	for name := range p.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledNames returns the names of factories the configuration switches on, sorted
func (p *Provider) EnabledNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.factories))
	for name, factory := range p.factories {
		if factory.Enabled(p.cfg) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Info returns information about all registered factories, sorted by name
func (p *Provider) Info() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := make([]Info, 0, len(p.factories))
	for name, factory := range p.factories {
		_, created := p.agents[name]
		info = append(info, Info{
			Name:        name,
			Description: factory.Description(),
			Enabled:     factory.Enabled(p.cfg),
			Created:     created,
		})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].Name < info[j].Name })
	return info
}

// Agent returns the agent created under name, if any
func (p *Provider) Agent(name string) (apm.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent, ok := p.agents[name]
	return agent, ok
}

// ResolveAgent implements registry.ServiceResolver. ref must be a factory
// name; the agent is created on first use and cached afterwards.
func (p *Provider) ResolveAgent(ref registry.ServiceRef) (apm.Agent, error) {
	name, ok := ref.(string)
	if !ok {
		return nil, fmt.Errorf("%w: service reference must be an agent name, got %T", apm.ErrAgentResolution, ref)
	}
	return p.Get(context.Background(), name)
}

// Get returns the agent for name, creating it on first use
func (p *Provider) Get(ctx context.Context, name string) (apm.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if agent, ok := p.agents[name]; ok {
		return agent, nil
	}

	factory, ok := p.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: no agent factory named %q", apm.ErrAgentResolution, name)
	}

	agent, err := factory.Create(ctx, p.cfg)
	if err != nil {
		return nil, &apm.Error{
			Op:    "provider.Create",
			Kind:  apm.KindResolution,
			Agent: name,
			Err:   errors.Join(apm.ErrAgentResolution, err),
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: factory %q returned no agent", apm.ErrAgentResolution, name)
	}

	p.agents[name] = agent
	p.logger.Info("Agent created", "agent", name, "identity", apm.AgentName(agent))
	return agent, nil
}

// Close releases every created agent that holds resources and forgets them all
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, agent := range p.agents {
		if closer, ok := agent.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	p.agents = make(map[string]apm.Agent)
	return errors.Join(errs...)
}
