package plugin

import (
	"fmt"

	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/charliepank/blockchain-relay-utility/internal/service"
	"github.com/gin-gonic/gin"
)

// Plugin is one business extension of the relay: a set of named gas
// operations plus the routes that accept them.
type Plugin interface {
	Name() string
	APIPrefix() string
	GasOperations() []model.OperationBudget
	Initialize(engine *service.RelayEngine) error
	RegisterRoutes(rg *gin.RouterGroup)
}

// Registry collects plugins at startup. Registration order is
// initialization order; after Initialize the set is immutable.
type Registry struct {
	plugins     []Plugin
	initialized bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin. Must be called before Initialize.
func (r *Registry) Register(p Plugin) {
	if r.initialized {
		panic("plugin registered after registry initialization")
	}
	r.plugins = append(r.plugins, p)
}

// Initialize runs every plugin's Initialize in registration order. Any
// failure aborts startup.
func (r *Registry) Initialize(engine *service.RelayEngine) error {
	for _, p := range r.plugins {
		if err := p.Initialize(engine); err != nil {
			return fmt.Errorf("plugin %s failed to initialize: %w", p.Name(), err)
		}
		logger.Info("Plugin initialized", "plugin", p.Name(), "prefix", p.APIPrefix(),
			"operations", len(p.GasOperations()))
	}
	r.initialized = true
	return nil
}

// MountRoutes attaches every plugin's routes under its prefix.
func (r *Registry) MountRoutes(router gin.IRouter) {
	for _, p := range r.plugins {
		group := router.Group(p.APIPrefix())
		p.RegisterRoutes(group)
	}
}

// ActivePlugins returns the registered plugins in order.
func (r *Registry) ActivePlugins() []Plugin {
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// ActiveNames returns the plugin names for the health endpoint.
func (r *Registry) ActiveNames() []string {
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// AllGasOperations flattens every plugin's declared budgets.
func (r *Registry) AllGasOperations() []model.OperationBudget {
	ops := make([]model.OperationBudget, 0)
	for _, p := range r.plugins {
		ops = append(ops, p.GasOperations()...)
	}
	return ops
}
