package llm

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Completion stages. Each stage resolves to an ordered endpoint chain.
const (
	StageGeneration   = "generation"
	StageVerification = "verification"
)

// Default per-endpoint timeouts. The primary endpoint gets a generous window
// because plan generation is a long single completion; fallbacks are expected
// to be smaller, faster models.
const (
	DefaultPrimaryTimeout  = 10 * time.Minute
	DefaultFallbackTimeout = 60 * time.Second
)

// Endpoint describes one completion endpoint in a fallback chain.
type Endpoint struct {
	// Name identifies the endpoint in chain definitions.
	Name string `yaml:"name"`

	// Provider is the adapter to use (anthropic, openai, ollama).
	Provider string `yaml:"provider"`

	// URL is the base API URL. Empty uses the provider default.
	URL string `yaml:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `yaml:"model"`

	// Timeout bounds a single completion attempt against this endpoint.
	// Zero applies the chain-position default.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// registryFile is the on-disk registry format.
type registryFile struct {
	Endpoints []Endpoint          `yaml:"endpoints"`
	Chains    map[string][]string `yaml:"chains"`
}

// Registry resolves completion stages to ordered endpoint chains. It is safe
// for concurrent use and supports atomic replacement for hot-reload.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	chains    map[string][]*Endpoint
}

// NewRegistry builds a registry from endpoint definitions and stage chains.
// Every chain entry must name a defined endpoint, and every endpoint must
// name a registered provider.
func NewRegistry(endpoints []Endpoint, chains map[string][]string) (*Registry, error) {
	byName := make(map[string]*Endpoint, len(endpoints))
	for i := range endpoints {
		ep := endpoints[i]
		if ep.Name == "" {
			return nil, fmt.Errorf("endpoint %d: name is required", i)
		}
		if ep.Model == "" {
			return nil, fmt.Errorf("endpoint %s: model is required", ep.Name)
		}
		if GetProvider(ep.Provider) == nil {
			return nil, &ConfigurationError{Provider: ep.Provider, Reason: "unknown provider"}
		}
		if _, dup := byName[ep.Name]; dup {
			return nil, fmt.Errorf("endpoint %s: duplicate name", ep.Name)
		}
		byName[ep.Name] = &ep
	}

	resolved := make(map[string][]*Endpoint, len(chains))
	for stage, names := range chains {
		if len(names) == 0 {
			return nil, fmt.Errorf("chain %s: at least one endpoint is required", stage)
		}
		chain := make([]*Endpoint, 0, len(names))
		for pos, name := range names {
			ep, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("chain %s: unknown endpoint %s", stage, name)
			}
			// Copy so position defaults don't leak between chains sharing
			// an endpoint.
			cp := *ep
			if cp.Timeout == 0 {
				if pos == 0 {
					cp.Timeout = DefaultPrimaryTimeout
				} else {
					cp.Timeout = DefaultFallbackTimeout
				}
			}
			chain = append(chain, &cp)
		}
		resolved[stage] = chain
	}

	if _, ok := resolved[StageGeneration]; !ok {
		return nil, fmt.Errorf("chain %s is required", StageGeneration)
	}

	return &Registry{endpoints: byName, chains: resolved}, nil
}

// LoadRegistry reads a YAML registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	return NewRegistry(file.Endpoints, file.Chains)
}

// Chain returns a copy of the endpoint chain for a stage. Verification falls
// back to the generation chain when no dedicated chain is configured, so a
// single-chain registry self-verifies with the same endpoints.
func (r *Registry) Chain(stage string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain, ok := r.chains[stage]
	if !ok && stage == StageVerification {
		chain = r.chains[StageGeneration]
	}
	if chain == nil {
		return nil
	}

	out := make([]*Endpoint, len(chain))
	copy(out, chain)
	return out
}

// Endpoint returns the named endpoint definition, or nil.
func (r *Registry) Endpoint(name string) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// Stages returns the configured stage names.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make([]string, 0, len(r.chains))
	for stage := range r.chains {
		stages = append(stages, stage)
	}
	return stages
}

// Reload re-reads the registry file and atomically swaps the contents. On
// error the current contents are kept.
func (r *Registry) Reload(path string) error {
	fresh, err := LoadRegistry(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = fresh.endpoints
	r.chains = fresh.chains
	return nil
}
