package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type stubBackend struct {
	info       Info
	configured map[string]any
	initCalls  int
	startCalls int
	stopCalls  int
	startErr   error
}

func (s *stubBackend) Info() Info { return s.info }

func (s *stubBackend) Configure(cfg map[string]any) error {
	s.configured = cfg
	return nil
}

func (s *stubBackend) Init(*ExecutionContext) error {
	s.initCalls++
	return nil
}

func (s *stubBackend) Start(*ExecutionContext) error {
	s.startCalls++
	return s.startErr
}

func (s *stubBackend) Stop(*ExecutionContext) error {
	s.stopCalls++
	return nil
}

func TestManagerLifecycle(t *testing.T) {
	m, err := NewManager(CatalogConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	stub := &stubBackend{info: Info{Name: "stub", Kind: KindSettings}}
	if err := m.Register("settings", stub, map[string]any{"path": "/tmp/s.json"}, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if err := m.Start(ctx, "settings"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if stub.initCalls != 1 || stub.startCalls != 1 {
		t.Fatalf("expected init and start once, got init=%d start=%d", stub.initCalls, stub.startCalls)
	}

	// Starting again is a no-op.
	if err := m.Start(ctx, "settings"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if stub.startCalls != 1 {
		t.Fatalf("duplicate start invoked the backend: %d", stub.startCalls)
	}

	state, err := m.State("settings")
	if err != nil || state != StateStarted {
		t.Fatalf("state = %v, %v", state, err)
	}

	if err := m.Stop(ctx, "settings"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stub.stopCalls != 1 {
		t.Fatalf("stop calls = %d", stub.stopCalls)
	}
}

func TestManagerRejectsDeniedCapability(t *testing.T) {
	m, err := NewManager(CatalogConfig{Defaults: IsolationPolicy{
		DeniedCapabilities: []Capability{CapabilityExecution},
	}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	stub := &stubBackend{info: Info{Name: "proc", Kind: KindProcess, Capabilities: []Capability{CapabilityExecution}}}
	if err := m.Register("process", stub, nil, IsolationPolicy{}); err == nil {
		t.Fatal("expected denied capability to fail registration")
	}
}

func TestManagerRequiresPolicyForCapabilities(t *testing.T) {
	m, err := NewManager(CatalogConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	stub := &stubBackend{info: Info{Name: "file", Kind: KindFile, Capabilities: []Capability{CapabilityFilesystem}}}
	if err := m.Register("file", stub, nil, IsolationPolicy{}); err == nil {
		t.Fatal("expected missing policy to fail registration")
	}
	policy := IsolationPolicy{AllowedCapabilities: []Capability{CapabilityFilesystem}}
	if err := m.Register("file", stub, nil, policy); err != nil {
		t.Fatalf("register with policy: %v", err)
	}
}

func TestManagerCreatesFromCatalog(t *testing.T) {
	catalog := filepath.Join(t.TempDir(), "backends.yaml")
	content := `defaults:
  allowedCapabilities: [filesystem, settings]
backends:
  file:
    enabled: true
    kind: file
    config:
      root: /srv/aegis/files
  browser:
    enabled: false
    kind: browser
`
	if err := os.WriteFile(catalog, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cfg, err := LoadCatalogConfig(catalog)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	var created *stubBackend
	factory := func(cfg map[string]any) (Backend, error) {
		if cfg["root"] != "/srv/aegis/files" {
			return nil, errors.New("missing root")
		}
		created = &stubBackend{info: Info{Name: "file", Kind: KindFile, Capabilities: []Capability{CapabilityFilesystem}}}
		return created, nil
	}
	m, err := NewManager(cfg, WithFactory(KindFile, factory))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if created == nil {
		t.Fatal("factory was not invoked for the enabled backend")
	}
	if _, err := m.Resolve("browser"); err == nil {
		t.Fatal("disabled backend should not be registered")
	}
	if _, err := m.Resolve("file"); err != nil {
		t.Fatalf("resolve file backend: %v", err)
	}
}

func TestManagerResolveUnknown(t *testing.T) {
	m, err := NewManager(CatalogConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Resolve("ghost"); err == nil {
		t.Fatal("expected unknown backend to error")
	}
}
