package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskhost/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes service configs, which
// may carry passwords), and (3) the names of scheduled tasks that were added,
// removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.scripts_dir", strings.TrimSpace(newCfg.Runner.ScriptsDir)),
			logx.String("runner.timeout", strings.TrimSpace(newCfg.Runner.Timeout)),
		)
	}

	tasks := diffTasks(oldCfg.Scheduler.Tasks, newCfg.Scheduler.Tasks)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.StartupSpread != newCfg.Scheduler.StartupSpread ||
		len(tasks) > 0 {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.tasks", len(newCfg.Scheduler.Tasks)),
			logx.Int("scheduler.tasks_changed", len(tasks)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Workflows, newCfg.Workflows) {
		changed = append(changed, "workflows")
		attrs = append(attrs,
			logx.Bool("workflows.durable", newCfg.Workflows.Durable),
			logx.String("workflows.file", strings.TrimSpace(newCfg.Workflows.File)),
			logx.Int("workflows.definitions", len(newCfg.Workflows.Definitions)),
		)
	}

	oE, nE := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.present", newCfg.Engine != nil),
			logx.Bool("engine.enabled", !nE.Disabled),
			logx.Int("engine.workers", nE.Workers),
			logx.String("engine.topics", strings.Join(nE.Topics, ",")),
			logx.Int("engine.retry_max", nE.RetryMax),
		)
	}

	if svcs := diffServices(oldCfg.Services, newCfg.Services); len(svcs) > 0 {
		changed = append(changed, "services")
		attrs = append(attrs, logx.String("services.changed", strings.Join(svcs, ",")))
	}

	sort.Strings(changed)
	return changed, attrs, tasks
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func diffTasks(oldT, newT []TaskConfig) []string {
	om := make(map[string]TaskConfig, len(oldT))
	for _, t := range oldT {
		om[strings.TrimSpace(t.Name)] = t
	}
	nm := make(map[string]TaskConfig, len(newT))
	for _, t := range newT {
		nm[strings.TrimSpace(t.Name)] = t
	}
	var out []string
	for name, o := range om {
		if n, ok := nm[name]; !ok || n != o {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func diffServices(oldM, newM map[string]ServiceConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for name := range set {
		if !reflect.DeepEqual(oldM[name], newM[name]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
