// Package dispatch times component renders on every registered agent.
//
// The dispatcher runs twice per nested component render: once before the
// component (start) and once after it (stop). On start it asks each enabled
// agent for a span and parks the returned handle in the request's attribute
// store under SpanKey(component, agent). On stop it takes the handle back out
// under the same key and hands it back, provided the agent bound under that
// identity is still the one that produced it.
//
// Nothing that goes wrong here reaches the request: every error and panic is
// logged as a warning and recorded in the returned Result, which the filters
// discard.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/attributes"
	"github.com/itsneelabh/renderapm/pkg/component"
	"github.com/itsneelabh/renderapm/pkg/logger"
	"github.com/itsneelabh/renderapm/pkg/registry"
	"github.com/itsneelabh/renderapm/pkg/telemetry"
)

// KeyPrefix starts every span correlation key in the attribute store
const KeyPrefix = "apm.start.component."

// ErrNoAttributeStore is reported when a request reaches the dispatcher
// without a per-request attribute store
var ErrNoAttributeStore = errors.New("request has no attribute store")

// SpanKey derives the attribute key holding the span handle of agent for component.
// Start and stop both use it; changing the format breaks correlation.
func SpanKey(componentName, agentName string) string {
	return KeyPrefix + componentName + agentName
}

// spanEntry is what the attribute store holds under a span key: the handle
// and the agent that produced it
type spanEntry struct {
	owner  apm.Agent
	handle apm.SpanHandle
}

// Phase identifies which boundary of a render a Result belongs to
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseStop  Phase = "stop"
)

// Result describes what one dispatch did. Callers in the request path ignore it.
type Result struct {
	Phase     Phase
	Component string
	// FastPath is set when the dispatch returned before resolving anything
	FastPath bool
	Started  int
	Stopped  int
	// Skipped counts agents passed over: disabled on start, no handle on stop
	Skipped int
	// Aborted is set when an agent failure ended the loop early
	Aborted bool
	Errors  []error
}

// Err joins all errors recorded during the dispatch
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Stats are cumulative counters over the dispatcher's lifetime
type Stats struct {
	Dispatches int64
	FastPath   int64
	Started    int64
	Stopped    int64
	Failures   int64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger used for warnings and debug traces
func WithLogger(log logger.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.logger = log
		}
	}
}

// WithSwitch makes the dispatcher honour a process-wide on/off switch
func WithSwitch(sw *apm.Switch) Option {
	return func(d *Dispatcher) {
		d.sw = sw
	}
}

// WithAbortOnAgentError stops visiting the remaining agents of a dispatch as
// soon as one agent fails. By default every agent is attempted.
func WithAbortOnAgentError(abort bool) Option {
	return func(d *Dispatcher) {
		d.abortOnAgentError = abort
	}
}

// WithWarnInterval rate-limits dispatch warnings to one per interval for each
// phase and failing agent. Zero logs every warning.
func WithWarnInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.warnLimiter = logger.NewRateLimiter(interval)
	}
}

// Dispatcher starts and stops component spans on registered agents
type Dispatcher struct {
	registry          *registry.AgentRegistry
	resolver          component.Resolver
	logger            logger.Logger
	sw                *apm.Switch
	abortOnAgentError bool
	warnLimiter       *logger.RateLimiter

	dispatches atomic.Int64
	fastPath   atomic.Int64
	started    atomic.Int64
	stopped    atomic.Int64
	failures   atomic.Int64
}

// New creates a dispatcher over reg. A nil resolver uses component.Default().
func New(reg *registry.AgentRegistry, resolver component.Resolver, opts ...Option) *Dispatcher {
	if resolver == nil {
		resolver = component.Default()
	}
	d := &Dispatcher{
		registry: reg,
		resolver: resolver,
		logger:   logger.NoOp{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher reads
func (d *Dispatcher) Registry() *registry.AgentRegistry {
	return d.registry
}

// Stats returns a copy of the cumulative counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatches: d.dispatches.Load(),
		FastPath:   d.fastPath.Load(),
		Started:    d.started.Load(),
		Stopped:    d.stopped.Load(),
		Failures:   d.failures.Load(),
	}
}

// inactive is the single-branch fast path taken by every render when no
// agent is registered or instrumentation is switched off
func (d *Dispatcher) inactive() bool {
	return d.registry == nil || d.registry.IsEmpty() || !d.sw.Enabled()
}

// OnComponentStart starts a span on every enabled agent for the component
// about to render in r. The request must carry an attribute store.
func (d *Dispatcher) OnComponentStart(r *http.Request) (res Result) {
	res.Phase = PhaseStart
	d.dispatches.Add(1)

	if d.inactive() {
		d.logger.Debug("no agents found, exiting")
		d.fastPath.Add(1)
		res.FastPath = true
		return res
	}

	defer d.recoverInto(r, &res)

	store, ok := attributes.FromRequest(r)
	if !ok {
		d.fail(r, &res, &apm.Error{Op: "dispatch.start", Kind: apm.KindResolution, Err: ErrNoAttributeStore})
		return res
	}

	id, err := d.resolve(r)
	if err != nil {
		d.fail(r, &res, err)
		return res
	}
	res.Component = id.Name

	ctx := r.Context()
	for _, agent := range d.registry.Snapshot() {
		if !agent.Enabled() {
			res.Skipped++
			continue
		}

		name := apm.AgentName(agent)
		handle, err := startSpan(ctx, agent, id.Name)
		if err != nil {
			d.fail(r, &res, &apm.Error{Op: "dispatch.start", Kind: apm.KindAgent, Component: id.Name, Agent: name, Err: err})
			if d.abortOnAgentError {
				res.Aborted = true
				return res
			}
			continue
		}

		store.Set(SpanKey(id.Name, name), spanEntry{owner: agent, handle: handle})
		res.Started++
		d.started.Add(1)
		d.logger.Debug("sent start span metric", "component", id.Name, "agent", name)
	}
	return res
}

// OnComponentStop closes the spans OnComponentStart opened for the component
// that just rendered in r, in reverse registration order. A handle is only
// handed back to the agent that produced it. Spans are closed even on agents
// disabled since the start.
func (d *Dispatcher) OnComponentStop(r *http.Request) (res Result) {
	res.Phase = PhaseStop
	d.dispatches.Add(1)

	store, ok := attributes.FromRequest(r)
	if d.registry == nil || d.registry.IsEmpty() || !ok || store.Len() == 0 {
		d.fastPath.Add(1)
		res.FastPath = true
		return res
	}

	defer d.recoverInto(r, &res)

	id, err := d.resolve(r)
	if err != nil {
		d.fail(r, &res, err)
		return res
	}
	res.Component = id.Name

	ctx := r.Context()
	snapshot := d.registry.Snapshot()
	for i := len(snapshot) - 1; i >= 0; i-- {
		agent := snapshot[i]
		name := apm.AgentName(agent)

		key := SpanKey(id.Name, name)
		value, ok := store.Pop(key)
		if !ok {
			res.Skipped++
			d.logger.Debug("no span handle to stop", "component", id.Name, "agent", name)
			continue
		}
		entry, ok := value.(spanEntry)
		if !ok || !apm.SameAgent(entry.owner, agent) {
			// Started by an agent since unbound; its handle is not ours to close
			store.Set(key, value)
			res.Skipped++
			d.logger.Debug("span handle belongs to another agent", "component", id.Name, "agent", name)
			continue
		}
		handle := entry.handle

		if err := stopSpan(ctx, agent, id.Name, handle); err != nil {
			d.fail(r, &res, &apm.Error{Op: "dispatch.stop", Kind: apm.KindAgent, Component: id.Name, Agent: name, Err: err})
			if d.abortOnAgentError {
				res.Aborted = true
				return res
			}
			continue
		}

		res.Stopped++
		d.stopped.Add(1)
		d.logger.Debug("sent stop span metric", "component", id.Name, "agent", name)
	}
	return res
}

// resolve names the component, treating panics and empty identities as failures
func (d *Dispatcher) resolve(r *http.Request) (id component.Identity, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &apm.Error{Op: "dispatch.resolve", Kind: apm.KindResolution, Err: errors.Join(apm.ErrComponentResolution, apm.Recovered(v))}
		}
	}()

	id, err = d.resolver.Resolve(r)
	if err != nil {
		if !apm.IsResolutionError(err) {
			err = &apm.Error{Op: "dispatch.resolve", Kind: apm.KindResolution, Err: errors.Join(apm.ErrComponentResolution, err)}
		}
		return component.Identity{}, err
	}
	if id.IsZero() {
		return component.Identity{}, &apm.Error{Op: "dispatch.resolve", Kind: apm.KindResolution, Err: apm.ErrNoComponent}
	}
	return id, nil
}

// recoverInto turns a panic escaping a dispatch into a recorded failure
func (d *Dispatcher) recoverInto(r *http.Request, res *Result) {
	if v := recover(); v != nil {
		d.fail(r, res, &apm.Error{Op: "dispatch." + string(res.Phase), Kind: apm.KindAgent, Component: res.Component, Err: apm.Recovered(v)})
	}
}

// fail records err and logs it with the request's correlation and trace IDs
func (d *Dispatcher) fail(r *http.Request, res *Result, err error) {
	res.Errors = append(res.Errors, err)
	d.failures.Add(1)

	allowed, suppressed := d.warnLimiter.Allow(warnKey(res.Phase, err))
	if !allowed {
		return
	}
	msg := "could not create apm span"
	if res.Phase == PhaseStop {
		msg = "could not close apm span"
	}
	if apm.IsResolutionError(err) {
		msg = "could not resolve component for apm span"
	}
	fields := telemetry.EnrichLogFields(r.Context(), nil)
	if suppressed > 0 {
		fields["suppressed"] = suppressed
	}
	d.logger.WithFields(fields).Warn(msg, "phase", string(res.Phase), "error", err)
}

// warnKey groups warnings by phase and failing agent for rate limiting
func warnKey(phase Phase, err error) string {
	var apmErr *apm.Error
	if errors.As(err, &apmErr) && apmErr.Agent != "" {
		return string(phase) + "/" + apmErr.Agent
	}
	return string(phase)
}

func startSpan(ctx context.Context, agent apm.Agent, name string) (handle apm.SpanHandle, err error) {
	defer func() {
		if v := recover(); v != nil {
			handle, err = nil, apm.Recovered(v)
		}
	}()
	return agent.StartComponentSpan(ctx, name)
}

func stopSpan(ctx context.Context, agent apm.Agent, name string, handle apm.SpanHandle) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = apm.Recovered(v)
		}
	}()
	return agent.StopComponentSpan(ctx, name, handle)
}
