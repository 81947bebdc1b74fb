package processing

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Factory returns a fresh, zero-state definition of one kind.
type Factory func() Definition

// Registry maps kind names to factories. The owner and its child processes
// must be built with registries holding the same kinds, since a child
// rebuilds its definition by kind name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	kinds     map[reflect.Type]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		kinds:     make(map[reflect.Type]string),
	}
}

// Register adds a kind. The factory is called once to learn the concrete
// type it produces.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("kind name is required")
	}
	if factory == nil {
		return fmt.Errorf("kind %q: factory is nil", kind)
	}
	def := factory()
	if def == nil {
		return fmt.Errorf("kind %q: factory returned nil", kind)
	}
	t := reflect.TypeOf(def)
	if t.Kind() != reflect.Pointer {
		return fmt.Errorf("kind %q: factory must return a pointer, got %s", kind, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("kind %q already registered", kind)
	}
	if other, exists := r.kinds[t]; exists {
		return fmt.Errorf("type %s already registered as %q", t, other)
	}
	r.factories[kind] = factory
	r.kinds[t] = kind
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// KindOf returns the kind name registered for def's concrete type.
func (r *Registry) KindOf(def Definition) (string, bool) {
	if def == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[reflect.TypeOf(def)]
	return kind, ok
}

// New returns a fresh definition of the given kind.
func (r *Registry) New(kind string) (Definition, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return factory(), nil
}

// Kinds lists registered kind names in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
