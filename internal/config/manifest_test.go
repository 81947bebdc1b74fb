package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

type greeter struct {
	processing.Base
	Name  string `json:"name"`
	Times int    `json:"times"`
}

func (g *greeter) Loop(context.Context) error { return nil }

func greeterRegistry() *processing.Registry {
	r := processing.NewRegistry()
	r.MustRegister("greeter", func() processing.Definition { return &greeter{} })
	return r
}

const tomlManifest = `
version = 1

[[worker]]
key = "hello"
kind = "greeter"
[worker.params]
name = "world"
times = 3
[worker.policy]
loop_timeout = "2s"
startup_timeout = "none"
crash_restart = true
max_restarts = 5

[[worker]]
key = "paused"
kind = "greeter"
enabled = false
`

const yamlManifest = `
workers:
  - key: hello
    kind: greeter
    params:
      name: world
      times: 3
    policy:
      loop_timeout: 2s
      startup_timeout: none
      crash_restart: true
      max_restarts: 5
  - key: paused
    kind: greeter
    enabled: false
`

func TestParseManifestFormats(t *testing.T) {
	for _, tc := range []struct {
		ext  string
		data string
	}{
		{".toml", tomlManifest},
		{".yaml", yamlManifest},
		{".yml", yamlManifest},
	} {
		t.Run(tc.ext, func(t *testing.T) {
			m, err := ParseManifest([]byte(tc.data), tc.ext)
			require.NoError(t, err)
			require.Len(t, m.Workers, 2)
			assert.Equal(t, 1, m.Version)

			hello := m.Workers[0]
			assert.Equal(t, "hello", hello.Key)
			assert.Equal(t, "greeter", hello.Kind)
			assert.True(t, hello.IsEnabled())
			assert.False(t, m.Workers[1].IsEnabled())

			enabled := m.Enabled()
			require.Len(t, enabled, 1)
			assert.Equal(t, "hello", enabled[0].Key)

			policy, err := hello.Policy.Policy()
			require.NoError(t, err)
			assert.Equal(t, 2*time.Second, policy.LoopTimeout)
			assert.Zero(t, policy.StartupTimeout)
			assert.True(t, policy.CrashRestart)
			assert.Equal(t, 5, policy.MaxRestarts)
			assert.Equal(t, processing.DefaultPolicy().PreloopTimeout, policy.PreloopTimeout)

			def, err := hello.Definition(greeterRegistry())
			require.NoError(t, err)
			g, ok := def.(*greeter)
			require.True(t, ok)
			assert.Equal(t, "world", g.Name)
			assert.Equal(t, 3, g.Times)
		})
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
		want string
	}{
		{"unknown format", ".json", `{}`, "unsupported manifest format"},
		{"bad toml", ".toml", "[[worker]\n", "failed to parse TOML manifest"},
		{"unknown toml field", ".toml", "[[worker]]\nkey = \"a\"\nkind = \"k\"\ncolour = \"red\"\n", "failed to parse TOML manifest"},
		{"unknown yaml field", ".yaml", "workers:\n  - key: a\n    kind: k\n    colour: red\n", "failed to parse YAML manifest"},
		{"missing key", ".toml", "[[worker]]\nkind = \"k\"\n", "key is required"},
		{"bad key", ".toml", "[[worker]]\nkey = \"a/b\"\nkind = \"k\"\n", "key may only contain"},
		{"duplicate key", ".toml", "[[worker]]\nkey = \"a\"\nkind = \"k\"\n[[worker]]\nkey = \"a\"\nkind = \"k\"\n", "duplicate key"},
		{"missing kind", ".toml", "[[worker]]\nkey = \"a\"\n", "kind is required"},
		{"bad duration", ".toml", "[[worker]]\nkey = \"a\"\nkind = \"k\"\n[worker.policy]\nloop_timeout = \"soon\"\n", "loop_timeout"},
		{"negative restarts", ".toml", "[[worker]]\nkey = \"a\"\nkind = \"k\"\n[worker.policy]\nmax_restarts = -1\n", "max_restarts must not be negative"},
		{"bad lap point", ".yaml", "workers:\n  - key: a\n    kind: k\n    policy:\n      lap_start: whenever\n", "unknown lap_start"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tc.data), tc.ext)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadManifest(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Empty(t, m.Workers)

	path := filepath.Join(dir, "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0o644))
	m, err = LoadManifest(path)
	require.NoError(t, err)
	assert.Len(t, m.Workers, 2)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	m, err = LoadManifest(empty)
	require.NoError(t, err)
	assert.Empty(t, m.Workers)
}

func TestWorkerDefinitionErrors(t *testing.T) {
	registry := greeterRegistry()

	_, err := WorkerSpec{Key: "a", Kind: "missing"}.Definition(registry)
	require.Error(t, err)

	_, err = WorkerSpec{Key: "a", Kind: "greeter", Params: map[string]any{"nmae": "typo"}}.Definition(registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply params")

	_, err = WorkerSpec{Key: "a", Kind: "greeter", Params: map[string]any{"times": "three"}}.Definition(registry)
	require.Error(t, err)
}

func TestPolicySpecDefaults(t *testing.T) {
	policy, err := PolicySpec{}.Policy()
	require.NoError(t, err)
	assert.Equal(t, processing.DefaultPolicy(), policy)
}
