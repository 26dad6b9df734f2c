package activity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/constellation/internal/ir"
)

// ErrUnknownKind is returned when no factory is registered for a kind.
var ErrUnknownKind = errors.New("unknown activity kind")

// Factory rebuilds a relocated activity from its attributes and state.
type Factory func(meta Meta, state ir.IRObject) (Activity, error)

// Registry maps activity kinds to factories. Every node of a run must register
// the same kinds for roaming activities to be able to move between them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" {
		return fmt.Errorf("register: empty kind")
	}
	if f == nil {
		return fmt.Errorf("register %s: nil factory", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("register %s: already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Knows reports whether kind has a factory.
func (r *Registry) Knows(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// CanRelocate reports whether a can be serialized and rebuilt through r.
func (r *Registry) CanRelocate(a Activity) bool {
	rel, ok := a.(Relocatable)
	return ok && r.Knows(rel.Kind())
}

// Restore rebuilds an activity of the given kind.
func (r *Registry) Restore(kind string, meta Meta, state ir.IRObject) (Activity, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	a, err := f(meta, state)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", kind, err)
	}
	return a, nil
}
