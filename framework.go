// Package renderapm times every nested component render of an HTTP
// request on a dynamic set of monitoring agents.
//
// Setup wires the pieces together from a config.Config:
//
//	cfg, err := config.NewConfig(config.WithServiceName("storefront"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inst, err := renderapm.Setup(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	    inst.Includer.Include(w, r, "header", headerHandler)
//	    inst.Includer.Include(w, r, "body", bodyHandler)
//	})
//	http.ListenAndServe(":8080", inst.Middleware(page))
//
// Agents enabled in the configuration are bound at setup; others can be
// bound and unbound by name at runtime through Binder.
package renderapm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/attributes"
	"github.com/itsneelabh/renderapm/pkg/component"
	"github.com/itsneelabh/renderapm/pkg/config"
	"github.com/itsneelabh/renderapm/pkg/dispatch"
	"github.com/itsneelabh/renderapm/pkg/logger"
	"github.com/itsneelabh/renderapm/pkg/pipeline"
	"github.com/itsneelabh/renderapm/pkg/provider"
	"github.com/itsneelabh/renderapm/pkg/registry"
	"github.com/itsneelabh/renderapm/pkg/telemetry"
)

// Instrumentation is a wired instance of the instrumentation core
type Instrumentation struct {
	Config     *config.Config
	Logger     logger.Logger
	Switch     *apm.Switch
	Telemetry  *telemetry.Providers
	Registry   *registry.AgentRegistry
	Provider   *provider.Provider
	Binder     *registry.Binder
	Dispatcher *dispatch.Dispatcher
	Includer   *pipeline.Includer

	// Gatherer exposes the Prometheus agent's metrics, for promhttp.HandlerFor
	Gatherer prometheus.Gatherer
}

// SetupOption customizes Setup
type SetupOption func(*setupOptions)

type setupOptions struct {
	logger         logger.Logger
	registerer     prometheus.Registerer
	gatherer       prometheus.Gatherer
	resolver       component.Resolver
	telemetryOpts  []telemetry.ProviderOption
	extraFactories []provider.Factory
}

// WithLogger replaces the logger built from the configuration
func WithLogger(log logger.Logger) SetupOption {
	return func(o *setupOptions) {
		o.logger = log
	}
}

// WithPrometheusRegistry makes the Prometheus agent register on reg
func WithPrometheusRegistry(reg *prometheus.Registry) SetupOption {
	return func(o *setupOptions) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// WithResolver replaces the default component resolver
func WithResolver(resolver component.Resolver) SetupOption {
	return func(o *setupOptions) {
		o.resolver = resolver
	}
}

// WithTelemetryOptions passes options to telemetry.NewProviders
func WithTelemetryOptions(opts ...telemetry.ProviderOption) SetupOption {
	return func(o *setupOptions) {
		o.telemetryOpts = append(o.telemetryOpts, opts...)
	}
}

// WithFactory registers an additional agent factory next to the built-ins
func WithFactory(f provider.Factory) SetupOption {
	return func(o *setupOptions) {
		o.extraFactories = append(o.extraFactories, f)
	}
}

// Setup validates cfg and wires logger, switch, telemetry providers,
// registry, agent provider, binder, dispatcher and includer. Every agent
// enabled in cfg is bound; an agent that cannot be created is logged and
// skipped. A nil cfg is built with config.NewConfig().
func Setup(ctx context.Context, cfg *config.Config, opts ...SetupOption) (*Instrumentation, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.NewConfig(); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := setupOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = logger.NewWithOptions(logger.Options{
			Level:   cfg.Logging.Level,
			Format:  cfg.Logging.Format,
			Service: cfg.ServiceName,
		})
	}

	if o.registerer == nil {
		reg := prometheus.NewRegistry()
		o.registerer, o.gatherer = reg, reg
	}

	providers, err := telemetry.NewProviders(ctx, cfg.ServiceName, cfg.Telemetry,
		append([]telemetry.ProviderOption{telemetry.WithServiceVersion(Version)}, o.telemetryOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	prov := provider.New(cfg, log.WithField("component", "provider"))
	if err := provider.RegisterBuiltins(prov, providers, o.registerer); err != nil {
		_ = providers.Shutdown(ctx)
		return nil, err
	}
	for _, f := range o.extraFactories {
		if err := prov.Register(f); err != nil {
			_ = providers.Shutdown(ctx)
			return nil, err
		}
	}

	sw := apm.NewSwitch(cfg.Enabled)
	reg := registry.New(log.WithField("component", "registry"))
	binder := registry.NewBinder(reg, prov, log.WithField("component", "binder"))

	dispatcher := dispatch.New(reg, o.resolver,
		dispatch.WithLogger(log.WithField("component", "dispatcher")),
		dispatch.WithSwitch(sw),
		dispatch.WithAbortOnAgentError(cfg.AbortOnAgentError),
		dispatch.WithWarnInterval(cfg.WarnInterval),
	)

	inst := &Instrumentation{
		Config:     cfg,
		Logger:     log,
		Switch:     sw,
		Telemetry:  providers,
		Registry:   reg,
		Provider:   prov,
		Binder:     binder,
		Dispatcher: dispatcher,
		Includer:   pipeline.NewIncluder(dispatcher.Filters()...),
		Gatherer:   o.gatherer,
	}

	for _, name := range prov.EnabledNames() {
		binder.Bind(name)
	}

	log.Info("Render instrumentation ready",
		"service", cfg.ServiceName,
		"enabled", sw.Enabled(),
		"agents", reg.Names(),
		"version", Version)
	return inst, nil
}

// Middleware gives each request correlation IDs and an attribute store.
// Mount it outside any handler that includes components.
func (i *Instrumentation) Middleware(next http.Handler) http.Handler {
	return telemetry.CorrelationMiddleware(attributes.Middleware(next))
}

// BindAgent binds the agent registered under name, creating it on first use
func (i *Instrumentation) BindAgent(name string) bool {
	return i.Binder.Bind(name)
}

// UnbindAgent unbinds the agent created under name. Agents never created are left alone.
func (i *Instrumentation) UnbindAgent(name string) bool {
	if _, ok := i.Provider.Agent(name); !ok {
		return false
	}
	return i.Binder.Unbind(name)
}

// Shutdown unbinds every agent, releases agent resources and flushes telemetry
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	for _, name := range i.Provider.Names() {
		i.UnbindAgent(name)
	}

	err := errors.Join(
		i.Provider.Close(),
		i.Telemetry.Shutdown(ctx),
	)
	if err != nil {
		i.Logger.Warn("Shutdown incomplete", "error", err)
		return err
	}
	i.Logger.Info("Render instrumentation stopped")
	return nil
}
