package runner

import (
	"strconv"
	"sync"
	"sync/atomic"

	"taskhost/internal/eventbus"
	"taskhost/internal/task/units"
	logx "taskhost/pkg/logx"
)

// Factory hands out runners that share a resolver, logger, bus and default settings.
// It is what the registry exposes as the "working" service.
type Factory struct {
	resolver units.Resolver
	log      logx.Logger
	bus      eventbus.Bus

	mu       sync.Mutex
	settings Settings

	seq atomic.Uint64
}

func NewFactory(resolver units.Resolver, log logx.Logger, bus eventbus.Bus, defaults Settings) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{resolver: resolver, log: log, bus: bus, settings: defaults}
}

// New returns a fresh idle runner. An empty name is replaced with a sequential one.
func (f *Factory) New(name string) *Runner {
	n := f.seq.Add(1)
	if name == "" {
		name = "runner-" + strconv.FormatUint(n, 10)
	}
	return New(name, f.resolver, f.log, f.bus, WithSettings(f.Settings()))
}

func (f *Factory) Resolver() units.Resolver { return f.resolver }

func (f *Factory) Settings() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// SaveSettings updates the defaults applied to runners created afterwards.
// It merges like Runner.SaveSettings.
func (f *Factory) SaveSettings(partial Settings) Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = f.settings.merge(partial)
	return f.settings
}
