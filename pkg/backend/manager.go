package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager keeps track of registered backends and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	factories map[Kind]Factory
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
}

type instance struct {
	mu      sync.Mutex
	Backend Backend
	Info    Info
	State   State
	Config  map[string]any
	Policy  IsolationPolicy
	Source  string
}

// NewManager constructs a manager using the supplied catalog and options.
func NewManager(cfg CatalogConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		factories: make(map[Kind]Factory),
		isolation: NewIsolationStrategy(nil),
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a backend instance directly with the manager.
func (m *Manager) Register(id string, b Backend, cfg map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("backend id cannot be empty")
	}
	if b == nil {
		return errors.New("backend implementation cannot be nil")
	}
	info := b.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("backend id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := b.Configure(cfg); err != nil {
		return fmt.Errorf("configure backend %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("backend %s already registered", id)
	}
	m.registry[id] = &instance{Backend: b, Info: mergeInfo(info, id), State: StateRegistered, Config: cfg, Policy: policy, Source: "manual"}
	return nil
}

// Create builds a backend through its kind factory and registers it.
func (m *Manager) Create(id string, kind Kind, cfg map[string]any, policy IsolationPolicy) error {
	if kind == "" {
		return errors.New("backend kind cannot be empty")
	}
	m.mu.RLock()
	factory, ok := m.factories[kind]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no factory registered for backend kind %s", kind)
	}
	b, err := factory(cloneConfig(cfg))
	if err != nil {
		return fmt.Errorf("create %s backend %s: %w", kind, id, err)
	}
	return m.Register(id, b, cfg, policy)
}

// Start initialises and starts a backend by id.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateStarted {
		return nil
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if inst.State == StateRegistered {
		if err := inst.Backend.Init(execCtx.Clone()); err != nil {
			return fmt.Errorf("initialise backend %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := m.isolation.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	if err := inst.Backend.Start(execCtx.Clone()); err != nil {
		_ = m.isolation.Cleanup(inst.Info)
		return fmt.Errorf("start backend %s: %w", id, err)
	}
	inst.State = StateStarted
	return nil
}

// Stop halts a backend if it is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateStarted {
		return nil
	}
	execCtx := &ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	if err := inst.Backend.Stop(execCtx.Clone()); err != nil {
		return fmt.Errorf("stop backend %s: %w", id, err)
	}
	if err := m.isolation.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	inst.State = StateStopped
	return nil
}

// StartAll starts all registered backends.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all active backends.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, id := range m.ids() {
		if err := m.Stop(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the backend registered under id. Callers type assert the
// result to the concrete tool they need.
func (m *Manager) Resolve(id string) (Backend, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return inst.Backend, nil
}

// State returns the lifecycle state of a backend.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("backend %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg CatalogConfig) error {
	for id, backendCfg := range cfg.Backends {
		if !backendCfg.Enabled {
			continue
		}
		policy := MergePolicies(cfg.Defaults, backendCfg.Policy)
		if err := m.Create(id, backendCfg.Kind, cloneConfig(backendCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
