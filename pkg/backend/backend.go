package backend

import "context"

// Backend defines the lifecycle hooks every execution backend must satisfy.
type Backend interface {
	// Info returns the static metadata for the backend.
	Info() Info
	// Configure allows the backend to inspect its configuration block prior
	// to initialisation. Implementations may mutate the map to inject defaults.
	Configure(cfg map[string]any) error
	// Init prepares the backend for use, opening connections or files.
	Init(ctx *ExecutionContext) error
	// Start activates the backend; long running routines belong here.
	Start(ctx *ExecutionContext) error
	// Stop gracefully halts the backend and releases its resources.
	Stop(ctx *ExecutionContext) error
}

// Factory constructs a backend instance from its configuration block.
// The manager resolves factories by Kind when loading a catalog file.
type Factory func(cfg map[string]any) (Backend, error)

// ExecutionContext is passed to backends for every lifecycle stage.
type ExecutionContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// Config is the backend specific configuration block merged with manager overrides.
	Config map[string]any
	// Resources exposes shared services supplied by the host daemon.
	Resources map[string]any
}

// Clone returns a shallow copy of the execution context so backends can safely mutate maps.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Option modifies the behaviour of a backend manager instance.
type Option func(*Manager)

// WithFactory registers a constructor for the given backend kind.
func WithFactory(kind Kind, factory Factory) Option {
	return func(m *Manager) {
		if kind == "" || factory == nil {
			return
		}
		if m.factories == nil {
			m.factories = make(map[Kind]Factory)
		}
		m.factories[kind] = factory
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource registers a shared resource that will be exposed to all backends.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
