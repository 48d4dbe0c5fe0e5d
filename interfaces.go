package renderapm

import (
	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/component"
	"github.com/itsneelabh/renderapm/pkg/config"
	"github.com/itsneelabh/renderapm/pkg/logger"
	"github.com/itsneelabh/renderapm/pkg/pipeline"
	"github.com/itsneelabh/renderapm/pkg/provider"
)

// Type aliases so callers can depend on the root package alone
type (
	Agent      = apm.Agent
	Named      = apm.Named
	SpanHandle = apm.SpanHandle
	Switch     = apm.Switch
	Error      = apm.Error

	Config = config.Config
	Option = config.Option

	Identity = component.Identity
	Resolver = component.Resolver

	Filter  = pipeline.Filter
	Logger  = logger.Logger
	Factory = provider.Factory
)

// Sentinel errors re-exported for errors.Is
var (
	ErrNoComponent          = apm.ErrNoComponent
	ErrAgentResolution      = apm.ErrAgentResolution
	ErrAgentPanic           = apm.ErrAgentPanic
	ErrSpanNotFound         = apm.ErrSpanNotFound
	ErrInvalidConfiguration = apm.ErrInvalidConfiguration
	ErrMissingConfiguration = apm.ErrMissingConfiguration
)
