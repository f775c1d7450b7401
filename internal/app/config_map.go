package app

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskhost/internal/config"
	"taskhost/internal/services/catalog"
	"taskhost/internal/task/scheduler"
	logx "taskhost/pkg/logx"
)

// infrastructure services, in construction order. Their configured default
// instances are built before anything that depends on them.
var infrastructure = []string{catalog.Caching, catalog.Queueing, catalog.Filing, catalog.Data}

// defaultServices apply when the config has no entry for a service.
var defaultServices = map[string]config.ServiceConfig{
	catalog.Caching:  {Provider: "memory"},
	catalog.Queueing: {Provider: "memory"},
	catalog.Filing:   {Provider: "local", Config: map[string]any{"root": "./data"}},
	catalog.Data:     {Provider: "file", Config: map[string]any{"path": "./data/history.jsonl"}},
}

func serviceChoice(cfg *config.Config, service string) config.ServiceConfig {
	if sc, ok := cfg.Services[service]; ok {
		sc.Provider = strings.ToLower(strings.TrimSpace(sc.Provider))
		return sc
	}
	return defaultServices[service]
}

// checkServices rejects provider choices the catalog does not know and
// provider configs that cannot work.
func checkServices(cfg *config.Config, registered []string) error {
	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !slices.Contains(infrastructure, name) {
			return fmt.Errorf("services.%s: not a configurable service (want one of %s)", name, strings.Join(infrastructure, ", "))
		}
		sc := serviceChoice(cfg, name)
		if !slices.Contains(registered, name+"/"+sc.Provider) {
			return fmt.Errorf("services.%s: unknown provider %q", name, sc.Provider)
		}
		switch name + "/" + sc.Provider {
		case catalog.Data + "/sqlite":
			if p, _ := sc.Config["path"].(string); strings.TrimSpace(p) == "" {
				return fmt.Errorf("services.%s.config.path is required for sqlite", name)
			}
		case catalog.Caching + "/redis", catalog.Queueing + "/redis":
			if a, _ := sc.Config["addr"].(string); strings.TrimSpace(a) == "" {
				return fmt.Errorf("services.%s.config.addr is required for redis", name)
			}
		}
	}
	return nil
}

func checkScheduler(cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, t := range cfg.Scheduler.Tasks {
		if s := strings.TrimSpace(t.Schedule); s != "" {
			if err := scheduler.ValidateSchedule(s); err != nil {
				return fmt.Errorf("scheduler.tasks.%s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		StartupSpread: cfg.Scheduler.StartupSpread,
	}
}

func schedulerOptions(cfg *config.Config) map[string]any {
	return map[string]any{
		"disabled":       !cfg.Scheduler.Enabled,
		"timezone":       cfg.Scheduler.Timezone,
		"startup_spread": cfg.Scheduler.StartupSpread,
	}
}

func engineOptions(cfg *config.Config) (map[string]any, error) {
	if cfg.Engine == nil {
		return nil, nil
	}
	return toMap(cfg.Engine)
}

// toMap turns a config section into the generic map a provider decodes.
// The section's json tags are the provider's keys.
func toMap(v any) (map[string]any, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonic.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
