package units

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("unit not found")
	ErrInvalid  = errors.New("invalid unit")
)

// Func is the contract every unit satisfies: run(input) -> output.
type Func func(ctx context.Context, input any) (any, error)

// Resolver maps a unit reference to a callable unit.
type Resolver interface {
	Resolve(ref string) (Func, error)
}

// Registry is a static table of named Go units.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Func{}}
}

// Register adds fn under name. Registering the same name twice is an error.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if fn == nil {
		return fmt.Errorf("%w: %s: nil func", ErrInvalid, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		return fmt.Errorf("%w: %s already registered", ErrInvalid, name)
	}
	r.m[name] = fn
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(name string, fn Func) *Registry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Resolve(ref string) (Func, error) {
	ref = strings.TrimSpace(ref)
	r.mu.RLock()
	fn, ok := r.m[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Chain tries each resolver in order and returns the first hit.
// Errors other than ErrNotFound stop the search.
type Chain []Resolver

func (c Chain) Resolve(ref string) (Func, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		fn, err := r.Resolve(ref)
		if err == nil {
			return fn, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
}
