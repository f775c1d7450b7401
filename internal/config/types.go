package config

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Runner    RunnerConfig    `json:"runner"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Workflows WorkflowsConfig `json:"workflows"`

	// Engine controls the ad-hoc jobs engine. Omitted means defaults.
	Engine *EngineConfig `json:"engine,omitempty"`

	// Services selects the provider of each infrastructure service and passes
	// it provider-specific settings, e.g.
	//
	//	"services": { "dataservice": { "provider": "sqlite", "config": { "path": "./data/history.db" } } }
	Services map[string]ServiceConfig `json:"services,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// RunnerConfig holds advisory runner settings. Timeout is a Go duration string.
type RunnerConfig struct {
	ScriptsDir    string `json:"scripts_dir,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	MemoryLimitMB int    `json:"memory_limit_mb,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
}

type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone,omitempty"`
	StartupSpread bool   `json:"startup_spread,omitempty"`

	Tasks []TaskConfig `json:"tasks,omitempty"`
}

// TaskConfig is one scheduled unit. Exactly one of Every (Go duration) or
// Schedule (cron spec, "@every", "@daily", ...) must be set.
type TaskConfig struct {
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	Every    string `json:"every,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

type WorkflowsConfig struct {
	// Durable routes every step through the jobs engine queue.
	Durable     bool                `json:"durable,omitempty"`
	File        string              `json:"file,omitempty"`
	Definitions map[string][]string `json:"definitions,omitempty"`
}

// EngineConfig controls the jobs engine. All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2 per topic
//   - topics: ["jobs"]
//   - poll_wait: "1s"
//   - history_size: 200
//   - retry_max: 3
//   - circuit_trip_failures: 5
type EngineConfig struct {
	Disabled            bool     `json:"disabled,omitempty"`
	Workers             int      `json:"workers,omitempty"`
	Topics              []string `json:"topics,omitempty"`
	PollWait            string   `json:"poll_wait,omitempty"`
	DefaultTimeout      string   `json:"default_timeout,omitempty"`
	MaxQueueDelay       string   `json:"max_queue_delay,omitempty"`
	HistorySize         int      `json:"history_size,omitempty"`
	RetryMax            int      `json:"retry_max,omitempty"`
	CircuitTripFailures int      `json:"circuit_trip_failures,omitempty"`
}

type ServiceConfig struct {
	Provider string         `json:"provider"`
	Config   map[string]any `json:"config,omitempty"`
}

// Validate checks what can be checked without the service registry.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseDurationField("runner.timeout", c.Runner.Timeout); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}
	for i, t := range c.Scheduler.Tasks {
		path := fmt.Sprintf("scheduler.tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s: name required", path))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s: duplicate task %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(t.Unit) == "" {
			errs = append(errs, fmt.Errorf("%s: unit required", path))
		}
		every, sched := strings.TrimSpace(t.Every), strings.TrimSpace(t.Schedule)
		if (every == "") == (sched == "") {
			errs = append(errs, fmt.Errorf("%s: exactly one of every or schedule is required", path))
		}
		if every != "" {
			if d, err := ParseDurationField(path+".every", every); err != nil {
				errs = append(errs, err)
			} else if d == 0 {
				errs = append(errs, fmt.Errorf("%s.every: must be > 0", path))
			}
		}
	}

	for name, steps := range c.Workflows.Definitions {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("workflows.definitions: empty workflow name"))
			continue
		}
		if len(steps) == 0 {
			errs = append(errs, fmt.Errorf("workflows.definitions.%s: no steps", name))
		}
		for i, s := range steps {
			if strings.TrimSpace(s) == "" {
				errs = append(errs, fmt.Errorf("workflows.definitions.%s[%d]: empty step", name, i))
			}
		}
	}

	if e := c.Engine; e != nil {
		for _, f := range []struct{ path, raw string }{
			{"engine.poll_wait", e.PollWait},
			{"engine.default_timeout", e.DefaultTimeout},
			{"engine.max_queue_delay", e.MaxQueueDelay},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
		if e.Workers < 0 {
			errs = append(errs, errors.New("engine.workers: must be >= 0"))
		}
	}

	for name, s := range c.Services {
		if strings.TrimSpace(s.Provider) == "" {
			errs = append(errs, fmt.Errorf("services.%s: provider required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
