// Package registry holds keyed plugins (inputs, parsers) registered at startup.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps keys to plugins. Resolving an unknown key returns the fallback.
type Registry[T any] struct {
	mu       sync.RWMutex
	kind     string
	items    map[string]entry[T]
	fallback T
}

type entry[T any] struct {
	label string
	item  T
}

func New[T any](kind string, fallback T) *Registry[T] {
	return &Registry[T]{
		kind:     kind,
		items:    make(map[string]entry[T]),
		fallback: fallback,
	}
}

// Register adds item under key. Duplicated keys are rejected.
func (r *Registry[T]) Register(key, label string, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key == "" {
		return fmt.Errorf("%s: empty key", r.kind)
	}
	if _, ok := r.items[key]; ok {
		return fmt.Errorf("%s: duplicated key %q", r.kind, key)
	}
	if label == "" {
		label = key
	}
	r.items[key] = entry[T]{label: label, item: item}
	return nil
}

// MustRegister is Register for static registration; it panics on duplicates.
func (r *Registry[T]) MustRegister(key, label string, item T) {
	if err := r.Register(key, label, item); err != nil {
		panic(err)
	}
}

// Lookup returns the item for key and whether it was registered.
func (r *Registry[T]) Lookup(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.items[key]
	if !ok {
		return r.fallback, false
	}
	return e.item, true
}

// Choice is a registered key and its label.
type Choice struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Choices lists registered keys sorted by key.
func (r *Registry[T]) Choices() []Choice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Choice, 0, len(r.items))
	for k, e := range r.items {
		out = append(out, Choice{Key: k, Label: e.label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
