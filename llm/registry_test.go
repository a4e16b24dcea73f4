package llm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_Validation(t *testing.T) {
	valid := []Endpoint{
		{Name: "a", Provider: "stub", Model: "m1"},
		{Name: "b", Provider: "stub", Model: "m2"},
	}

	tests := []struct {
		name      string
		endpoints []Endpoint
		chains    map[string][]string
		wantErr   string
	}{
		{
			name:      "valid",
			endpoints: valid,
			chains:    map[string][]string{StageGeneration: {"a", "b"}},
		},
		{
			name:      "unknown provider",
			endpoints: []Endpoint{{Name: "a", Provider: "nope", Model: "m"}},
			chains:    map[string][]string{StageGeneration: {"a"}},
			wantErr:   "unknown provider",
		},
		{
			name:      "missing model",
			endpoints: []Endpoint{{Name: "a", Provider: "stub"}},
			chains:    map[string][]string{StageGeneration: {"a"}},
			wantErr:   "model is required",
		},
		{
			name: "duplicate endpoint name",
			endpoints: []Endpoint{
				{Name: "a", Provider: "stub", Model: "m1"},
				{Name: "a", Provider: "stub", Model: "m2"},
			},
			chains:  map[string][]string{StageGeneration: {"a"}},
			wantErr: "duplicate name",
		},
		{
			name:      "chain references unknown endpoint",
			endpoints: valid,
			chains:    map[string][]string{StageGeneration: {"a", "missing"}},
			wantErr:   "unknown endpoint",
		},
		{
			name:      "empty chain",
			endpoints: valid,
			chains:    map[string][]string{StageGeneration: {}},
			wantErr:   "at least one endpoint",
		},
		{
			name:      "generation chain required",
			endpoints: valid,
			chains:    map[string][]string{StageVerification: {"a"}},
			wantErr:   "chain generation is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.endpoints, tt.chains)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_DefaultTimeouts(t *testing.T) {
	reg, err := NewRegistry([]Endpoint{
		{Name: "a", Provider: "stub", Model: "m1"},
		{Name: "b", Provider: "stub", Model: "m2"},
		{Name: "c", Provider: "stub", Model: "m3", Timeout: 45 * time.Second},
	}, map[string][]string{StageGeneration: {"a", "b", "c"}})
	require.NoError(t, err)

	chain := reg.Chain(StageGeneration)
	require.Len(t, chain, 3)
	assert.Equal(t, DefaultPrimaryTimeout, chain[0].Timeout)
	assert.Equal(t, DefaultFallbackTimeout, chain[1].Timeout)
	assert.Equal(t, 45*time.Second, chain[2].Timeout, "explicit timeout preserved")
}

func TestRegistry_SharedEndpointGetsPositionDefault(t *testing.T) {
	reg, err := NewRegistry([]Endpoint{
		{Name: "a", Provider: "stub", Model: "m1"},
		{Name: "b", Provider: "stub", Model: "m2"},
	}, map[string][]string{
		StageGeneration:   {"a", "b"},
		StageVerification: {"b", "a"},
	})
	require.NoError(t, err)

	gen := reg.Chain(StageGeneration)
	ver := reg.Chain(StageVerification)
	assert.Equal(t, DefaultPrimaryTimeout, gen[0].Timeout)
	assert.Equal(t, DefaultPrimaryTimeout, ver[0].Timeout)
	assert.Equal(t, DefaultFallbackTimeout, gen[1].Timeout)
	assert.Equal(t, DefaultFallbackTimeout, ver[1].Timeout)
}

func TestRegistry_VerificationFallsBackToGeneration(t *testing.T) {
	reg, err := NewRegistry([]Endpoint{
		{Name: "a", Provider: "stub", Model: "m1"},
	}, map[string][]string{StageGeneration: {"a"}})
	require.NoError(t, err)

	chain := reg.Chain(StageVerification)
	require.Len(t, chain, 1)
	assert.Equal(t, "a", chain[0].Name)

	assert.Nil(t, reg.Chain("other"))
}

const registryYAML = `
endpoints:
  - name: claude
    provider: stub
    model: claude-sonnet-4
    timeout: 10m
    max_tokens: 8192
  - name: gpt
    provider: stub
    url: https://api.openai.com/v1
    model: gpt-4o-mini
    timeout: 45s
chains:
  generation: [claude, gpt]
  verification: [gpt]
`

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	gen := reg.Chain(StageGeneration)
	require.Len(t, gen, 2)
	assert.Equal(t, "claude", gen[0].Name)
	assert.Equal(t, 10*time.Minute, gen[0].Timeout)
	assert.Equal(t, 8192, gen[0].MaxTokens)
	assert.Equal(t, 45*time.Second, gen[1].Timeout)

	ver := reg.Chain(StageVerification)
	require.Len(t, ver, 1)
	assert.Equal(t, "gpt", ver[0].Name)
}

func TestLoadRegistry_Missing(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRegistry_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	updated := `
endpoints:
  - name: local
    provider: stub
    model: llama3.2
chains:
  generation: [local]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, reg.Reload(path))

	chain := reg.Chain(StageGeneration)
	require.Len(t, chain, 1)
	assert.Equal(t, "local", chain[0].Name)

	// A broken file keeps the current contents.
	require.NoError(t, os.WriteFile(path, []byte("chains: {generation: [ghost]}"), 0o644))
	assert.Error(t, reg.Reload(path))
	chain = reg.Chain(StageGeneration)
	require.Len(t, chain, 1)
	assert.Equal(t, "local", chain[0].Name)
}
