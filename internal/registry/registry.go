package registry

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"

	"taskhost/internal/eventbus"
	logx "taskhost/pkg/logx"
)

type registration struct {
	level Level
	ctor  Constructor
	deps  []string
}

type entry struct {
	value any
	info  InstanceInfo
}

// build marks a construction in flight. A reset that matches its key sets
// stale, and the result is closed instead of cached.
type build struct{ stale bool }

// Registry constructs service instances on demand and caches one per Key.
//
// Concurrent Gets for the same key construct once. A failed construction
// caches nothing.
type Registry struct {
	mu        sync.Mutex
	providers map[string]map[string]registration // service -> provider
	defaults  map[string]string                  // service -> default provider
	instances map[Key]*entry
	building  map[Key]*build

	group singleflight.Group

	log logx.Logger
	bus eventbus.Bus
}

func New(log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		providers: map[string]map[string]registration{},
		defaults:  map[string]string{},
		instances: map[Key]*entry{},
		building:  map[Key]*build{},
		log:       log,
		bus:       bus,
	}
}

// Register adds a constructor for service/provider at level. deps names the
// services whose default instances are injected before ctor runs; each must be
// registered at a lower level by the time it is resolved.
//
// The first provider registered for a service is its default.
func (r *Registry) Register(service, provider string, level Level, ctor Constructor, deps ...string) error {
	service, provider = strings.TrimSpace(service), strings.TrimSpace(provider)
	if service == "" || provider == "" || ctor == nil {
		return fmt.Errorf("register %q/%q: service, provider and constructor are required", service, provider)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.providers[service]
	if ps == nil {
		ps = map[string]registration{}
		r.providers[service] = ps
	}
	if _, ok := ps[provider]; ok {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, service, provider)
	}
	ps[provider] = registration{level: level, ctor: ctor, deps: append([]string(nil), deps...)}
	if _, ok := r.defaults[service]; !ok {
		r.defaults[service] = provider
	}
	return nil
}

func (r *Registry) MustRegister(service, provider string, level Level, ctor Constructor, deps ...string) {
	if err := r.Register(service, provider, level, ctor, deps...); err != nil {
		panic(err)
	}
}

// SetDefault selects the provider injected when another service depends on service.
func (r *Registry) SetDefault(service, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[service][provider]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownServiceType, service, provider)
	}
	r.defaults[service] = provider
	return nil
}

func (r *Registry) DefaultProvider(service string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.defaults[service]
	return p, ok
}

// Level returns the level service/provider was registered at.
func (r *Registry) Level(service, provider string) (Level, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.providers[service][provider]
	return reg.level, ok
}

// Get returns the instance for (service, provider, opts.InstanceName),
// constructing it on first use. An empty provider selects the default one.
func (r *Registry) Get(ctx context.Context, service, provider string, opts Options) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if provider == "" {
		provider = r.defaults[service]
	}
	reg, ok := r.providers[service][provider]
	key := Key{Service: service, Provider: provider, Instance: opts.instance()}
	if e, hit := r.instances[key]; hit {
		r.mu.Unlock()
		return e.value, nil
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownServiceType, service, provider)
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		r.mu.Lock()
		if e, hit := r.instances[key]; hit {
			r.mu.Unlock()
			return e.value, nil
		}
		b := &build{}
		r.building[key] = b
		r.mu.Unlock()

		deps, err := r.resolveDeps(ctx, key, reg, opts.Dependencies)
		if err != nil {
			r.abandon(key)
			return nil, err
		}
		opts.InstanceName = key.Instance
		opts.Dependencies = deps
		val, err := construct(ctx, reg.ctor, opts)
		if err != nil {
			r.abandon(key)
			return nil, fmt.Errorf("construct %s: %w", key, err)
		}
		return r.store(key, reg, b, val)
	})
	return v, err
}

func (r *Registry) abandon(key Key) {
	r.mu.Lock()
	delete(r.building, key)
	r.mu.Unlock()
}

// store caches val unless a reset matched key while it was being built.
func (r *Registry) store(key Key, reg registration, b *build, val any) (any, error) {
	info := InstanceInfo{Key: key, Level: reg.level, CreatedAt: time.Now()}
	r.mu.Lock()
	delete(r.building, key)
	if b.stale {
		r.mu.Unlock()
		closeValue(val, r.log, key)
		return nil, fmt.Errorf("%w: %s", ErrResetDuringBuild, key)
	}
	r.instances[key] = &entry{value: val, info: info}
	r.mu.Unlock()

	r.log.Debug("service constructed", logx.String("key", key.String()), logx.String("level", reg.level.String()))
	eventbus.Emit(r.bus, eventbus.ServiceCreated, info)
	return val, nil
}

func (r *Registry) resolveDeps(ctx context.Context, key Key, reg registration, explicit Dependencies) (Dependencies, error) {
	deps := make(Dependencies, len(reg.deps)+len(explicit))
	maps.Copy(deps, explicit)
	for _, dep := range reg.deps {
		if _, ok := deps[dep]; ok {
			continue
		}
		r.mu.Lock()
		provider := r.defaults[dep]
		depReg, ok := r.providers[dep][provider]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%s: dependency %s: %w", key, dep, ErrUnknownServiceType)
		}
		if depReg.level >= reg.level {
			return nil, fmt.Errorf("%w: %s (%s) depends on %s (%s)", ErrDependencyLevel, key, reg.level, dep, depReg.level)
		}
		v, err := r.Get(ctx, dep, provider, Options{})
		if err != nil {
			return nil, fmt.Errorf("%s: dependency %s: %w", key, dep, err)
		}
		deps[dep] = v
	}
	return deps, nil
}

func construct(ctx context.Context, ctor Constructor, opts Options) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("constructor panicked: %v", rec)
		}
	}()
	return ctor(ctx, opts)
}

// Registered returns every registered "service/provider" pair, sorted.
func (r *Registry) Registered() []string {
	r.mu.Lock()
	var out []string
	for s, ps := range r.providers {
		for p := range ps {
			out = append(out, s+"/"+p)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// ListServices returns the keys of every constructed instance, sorted.
func (r *Registry) ListServices() []Key {
	r.mu.Lock()
	out := make([]Key, 0, len(r.instances))
	for k := range r.instances {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ListInstances describes the constructed instances of service, sorted by key.
func (r *Registry) ListInstances(service string) []InstanceInfo {
	r.mu.Lock()
	var out []InstanceInfo
	for k, e := range r.instances {
		if k.Service == service {
			out = append(out, e.info)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// ResetInstance evicts one instance and reports whether it existed.
func (r *Registry) ResetInstance(key Key) bool {
	if key.Instance == "" {
		key.Instance = DefaultInstance
	}
	return r.evictWhere(func(k Key) bool { return k == key }) > 0
}

// ResetService evicts every instance of service and returns how many were evicted.
func (r *Registry) ResetService(service string) int {
	return r.evictWhere(func(k Key) bool { return k.Service == service })
}

// Reset evicts every instance. Registrations are kept.
func (r *Registry) Reset() int {
	return r.evictWhere(func(Key) bool { return true })
}

func (r *Registry) evictWhere(match func(Key) bool) int {
	r.mu.Lock()
	var gone []*entry
	for k, e := range r.instances {
		if match(k) {
			gone = append(gone, e)
			delete(r.instances, k)
		}
	}
	for k, b := range r.building {
		if match(k) {
			b.stale = true
		}
	}
	r.mu.Unlock()

	// Higher levels first so dependents close before what they depend on.
	sort.Slice(gone, func(i, j int) bool {
		if gone[i].info.Level != gone[j].info.Level {
			return gone[i].info.Level > gone[j].info.Level
		}
		return gone[i].info.Key.String() < gone[j].info.Key.String()
	})
	for _, e := range gone {
		r.evicted(e)
	}
	return len(gone)
}

func (r *Registry) evicted(e *entry) {
	closeValue(e.value, r.log, e.info.Key)
	r.log.Debug("service evicted", logx.String("key", e.info.Key.String()))
	eventbus.Emit(r.bus, eventbus.ServiceEvicted, e.info)
}

func closeValue(v any, log logx.Logger, key Key) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("close evicted service failed", logx.String("key", key.String()), logx.Err(err))
		}
	}
}

// DecodeConfig converts a generic config map into a typed struct using its json tags.
func DecodeConfig(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	b, err := sonic.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := sonic.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
