package backend

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogConfig describes the set of backends a daemon should bring up.
type CatalogConfig struct {
	Defaults IsolationPolicy          `yaml:"defaults"`
	Backends map[string]BackendConfig `yaml:"backends"`
}

// BackendConfig is the configuration block for a single backend instance.
type BackendConfig struct {
	Enabled bool             `yaml:"enabled"`
	Kind    Kind             `yaml:"kind"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy governs the security restrictions enforced for a backend.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// LoadCatalogConfig reads a YAML file into a CatalogConfig.
func LoadCatalogConfig(path string) (CatalogConfig, error) {
	var cfg CatalogConfig
	if path == "" {
		return cfg, errors.New("catalog path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read backend catalog: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal backend catalog: %w", err)
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]BackendConfig{}
	}
	return cfg, nil
}

// Validate ensures the catalog configuration is internally consistent.
func (c CatalogConfig) Validate() error {
	for id, backend := range c.Backends {
		if id == "" {
			return errors.New("backend id cannot be empty")
		}
		if !backend.Enabled {
			continue
		}
		if backend.Kind == "" {
			return fmt.Errorf("backend %s kind cannot be empty when enabled", id)
		}
	}
	return nil
}
