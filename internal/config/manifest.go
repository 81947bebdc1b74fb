package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Manifest lists the workers the host supervises. TOML manifests use
// [[worker]] tables, YAML manifests a top-level workers list.
type Manifest struct {
	Version int          `toml:"version" yaml:"version" json:"version"`
	Workers []WorkerSpec `toml:"worker" yaml:"workers" json:"workers"`
}

// WorkerSpec describes one worker of the manifest.
type WorkerSpec struct {
	Key     string         `toml:"key" yaml:"key" json:"key"`
	Kind    string         `toml:"kind" yaml:"kind" json:"kind"`
	Enabled *bool          `toml:"enabled,omitempty" yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Params  map[string]any `toml:"params,omitempty" yaml:"params,omitempty" json:"params,omitempty"`
	Policy  PolicySpec     `toml:"policy,omitempty" yaml:"policy,omitempty" json:"policy,omitempty"`
}

// PolicySpec is the file form of processing.Policy. Unset fields keep the
// processing defaults; durations are strings such as "30s", and "0" or
// "none" removes a bound.
type PolicySpec struct {
	PreloopTimeout     string `toml:"preloop_timeout,omitempty" yaml:"preloop_timeout,omitempty" json:"preloop_timeout,omitempty"`
	LoopTimeout        string `toml:"loop_timeout,omitempty" yaml:"loop_timeout,omitempty" json:"loop_timeout,omitempty"`
	PostloopTimeout    string `toml:"postloop_timeout,omitempty" yaml:"postloop_timeout,omitempty" json:"postloop_timeout,omitempty"`
	StartupTimeout     string `toml:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty" json:"startup_timeout,omitempty"`
	ShutdownTimeout    string `toml:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
	AutoJoinAfter      string `toml:"auto_join_after,omitempty" yaml:"auto_join_after,omitempty" json:"auto_join_after,omitempty"`
	AutoJoinAfterLoops *int   `toml:"auto_join_after_loops,omitempty" yaml:"auto_join_after_loops,omitempty" json:"auto_join_after_loops,omitempty"`
	CrashRestart       *bool  `toml:"crash_restart,omitempty" yaml:"crash_restart,omitempty" json:"crash_restart,omitempty"`
	MaxRestarts        *int   `toml:"max_restarts,omitempty" yaml:"max_restarts,omitempty" json:"max_restarts,omitempty"`
	LogEachLoop        *bool  `toml:"log_each_loop,omitempty" yaml:"log_each_loop,omitempty" json:"log_each_loop,omitempty"`
	LapStart           string `toml:"lap_start,omitempty" yaml:"lap_start,omitempty" json:"lap_start,omitempty"`
	LapEnd             string `toml:"lap_end,omitempty" yaml:"lap_end,omitempty" json:"lap_end,omitempty"`
}

// LoadManifest reads a manifest, choosing the format by file extension.
// A missing file is an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data, filepath.Ext(path))
}

// ParseManifest decodes a manifest in the format named by ext (".toml",
// ".yaml" or ".yml") and validates it. Unknown fields are rejected.
func ParseManifest(data []byte, ext string) (*Manifest, error) {
	m := &Manifest{}
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("failed to parse TOML manifest: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF.
		if err := dec.Decode(m); err != nil && len(bytes.TrimSpace(data)) > 0 {
			return nil, fmt.Errorf("failed to parse YAML manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}

	if m.Version == 0 {
		m.Version = 1
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks keys and policies of every worker.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(m.Workers))
	for i, w := range m.Workers {
		switch {
		case w.Key == "":
			errs = append(errs, fmt.Errorf("worker %d: key is required", i))
		case !keyPattern.MatchString(w.Key):
			errs = append(errs, fmt.Errorf("worker %q: key may only contain letters, digits, '.', '_' and '-'", w.Key))
		case seen[w.Key]:
			errs = append(errs, fmt.Errorf("worker %q: duplicate key", w.Key))
		}
		seen[w.Key] = true

		if w.Kind == "" {
			errs = append(errs, fmt.Errorf("worker %q: kind is required", w.Key))
		}
		if _, err := w.Policy.Policy(); err != nil {
			errs = append(errs, fmt.Errorf("worker %q: %w", w.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Enabled returns the workers that are not switched off, in file order.
func (m *Manifest) Enabled() []WorkerSpec {
	out := make([]WorkerSpec, 0, len(m.Workers))
	for _, w := range m.Workers {
		if w.IsEnabled() {
			out = append(out, w)
		}
	}
	return out
}

// IsEnabled reports whether the worker should run. Workers are enabled
// unless the manifest says otherwise.
func (w WorkerSpec) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Definition creates a fresh definition of the worker's kind and applies
// its params. Params map onto the definition's JSON field names.
func (w WorkerSpec) Definition(registry *processing.Registry) (processing.Definition, error) {
	def, err := registry.New(w.Kind)
	if err != nil {
		return nil, fmt.Errorf("worker %q: %w", w.Key, err)
	}
	if len(w.Params) == 0 {
		return def, nil
	}

	data, err := json.Marshal(w.Params)
	if err != nil {
		return nil, fmt.Errorf("worker %q: encode params: %w", w.Key, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(def); err != nil {
		return nil, fmt.Errorf("worker %q: apply params: %w", w.Key, err)
	}
	return def, nil
}

// Policy converts the spec into a validated processing.Policy.
func (p PolicySpec) Policy() (processing.Policy, error) {
	policy := processing.DefaultPolicy()

	var errs []error
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"preloop_timeout", p.PreloopTimeout, &policy.PreloopTimeout},
		{"loop_timeout", p.LoopTimeout, &policy.LoopTimeout},
		{"postloop_timeout", p.PostloopTimeout, &policy.PostloopTimeout},
		{"startup_timeout", p.StartupTimeout, &policy.StartupTimeout},
		{"shutdown_timeout", p.ShutdownTimeout, &policy.ShutdownTimeout},
		{"auto_join_after", p.AutoJoinAfter, &policy.AutoJoinAfter},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseBound(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		*d.dst = parsed
	}

	if p.AutoJoinAfterLoops != nil {
		policy.AutoJoinAfterLoops = *p.AutoJoinAfterLoops
	}
	if p.CrashRestart != nil {
		policy.CrashRestart = *p.CrashRestart
	}
	if p.MaxRestarts != nil {
		policy.MaxRestarts = *p.MaxRestarts
	}
	if p.LogEachLoop != nil {
		policy.LogEachLoop = *p.LogEachLoop
	}
	if p.LapStart != "" {
		policy.LapStart = processing.LapStart(p.LapStart)
	}
	if p.LapEnd != "" {
		policy.LapEnd = processing.LapEnd(p.LapEnd)
	}

	if err := errors.Join(errs...); err != nil {
		return processing.Policy{}, err
	}
	if err := policy.Validate(); err != nil {
		return processing.Policy{}, err
	}
	return policy, nil
}

func parseBound(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "unlimited":
		return 0, nil
	}
	return time.ParseDuration(s)
}
