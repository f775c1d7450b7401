// Package catalog registers the built-in service providers with a registry.
//
// Default instances injected as dependencies are built with an empty config.
// Callers that need a configured default build it first with
// Options{Config: ...}; later injections reuse that cached instance.
package catalog

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/spf13/afero"

	"taskhost/internal/config"
	"taskhost/internal/eventbus"
	"taskhost/internal/registry"
	"taskhost/internal/services/caching"
	"taskhost/internal/services/filing"
	"taskhost/internal/services/queueing"
	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/runner"
	"taskhost/internal/task/scheduler"
	"taskhost/internal/task/units"
	"taskhost/internal/task/workflow"
	logx "taskhost/pkg/logx"
)

const (
	Logging    = "logging"
	Caching    = "caching"
	Queueing   = "queueing"
	Filing     = "filing"
	Data       = "dataservice"
	Working    = "working"
	Jobs       = "jobs"
	Scheduling = "scheduling"
	Workflow   = "workflow"
)

// Env carries the process-wide collaborators every provider may use.
type Env struct {
	Log logx.Logger
	Bus eventbus.Bus

	// Units are the statically known units. Builtins are used when nil.
	Units *units.Registry
}

// Register adds every built-in provider to r.
func Register(r *registry.Registry, env Env) error {
	if env.Log.IsZero() {
		env.Log = logx.Nop()
	}
	if env.Units == nil {
		env.Units = units.Builtins()
	}
	regs := []struct {
		service, provider string
		level             registry.Level
		ctor              registry.Constructor
		deps              []string
	}{
		{Logging, "zerolog", registry.LevelFoundation, env.newLogger, nil},

		{Caching, "memory", registry.LevelInfrastructure, newMemoryCache, []string{Logging}},
		{Caching, "redis", registry.LevelInfrastructure, newRedisCache, []string{Logging}},
		{Queueing, "memory", registry.LevelInfrastructure, newMemoryQueue, []string{Logging}},
		{Queueing, "redis", registry.LevelInfrastructure, newRedisQueue, []string{Logging}},
		// memory providers come first so an unconfigured registry never touches disk
		{Filing, "memory", registry.LevelInfrastructure, newMemoryFiling, []string{Logging}},
		{Filing, "local", registry.LevelInfrastructure, newLocalFiling, []string{Logging}},
		{Data, "memory", registry.LevelInfrastructure, newMemoryStore, []string{Logging}},
		{Data, "file", registry.LevelInfrastructure, newStore("file"), []string{Logging}},
		{Data, "sqlite", registry.LevelInfrastructure, newStore("sqlite"), []string{Logging}},

		{Working, "default", registry.LevelBusiness, env.newRunners, []string{Logging, Filing}},
		{Jobs, "default", registry.LevelApplication, env.newJobs, []string{Logging, Queueing, Data, Working}},
		{Scheduling, "default", registry.LevelApplication, env.newScheduler, []string{Logging, Data, Working}},
		{Workflow, "default", registry.LevelIntegration, env.newWorkflow, []string{Logging, Data, Working, Jobs, Filing}},
	}
	for _, x := range regs {
		if err := r.Register(x.service, x.provider, x.level, x.ctor, x.deps...); err != nil {
			return err
		}
	}
	return nil
}

func logger(deps registry.Dependencies, comp string) logx.Logger {
	log, ok := registry.Dep[logx.Logger](deps, Logging)
	if !ok {
		log = logx.Nop()
	}
	return log.Named(comp)
}

type loggingConfig struct {
	Level string `json:"level"`
}

func (env Env) newLogger(_ context.Context, o registry.Options) (any, error) {
	var cfg loggingConfig
	if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Level == "" {
		return env.Log, nil
	}
	return logx.NewConsole(cfg.Level), nil
}

func newMemoryCache(context.Context, registry.Options) (any, error) {
	return caching.NewMemory(), nil
}

type redisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

func newRedisCache(ctx context.Context, o registry.Options) (any, error) {
	var cfg redisConfig
	if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
		return nil, err
	}
	return caching.NewRedis(ctx, caching.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, Prefix: cfg.Prefix})
}

type memoryQueueConfig struct {
	MaxLen int `json:"max_len"`
}

func newMemoryQueue(_ context.Context, o registry.Options) (any, error) {
	var cfg memoryQueueConfig
	if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
		return nil, err
	}
	return queueing.NewMemory(cfg.MaxLen), nil
}

func newRedisQueue(ctx context.Context, o registry.Options) (any, error) {
	var cfg redisConfig
	if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
		return nil, err
	}
	return queueing.NewRedis(ctx, queueing.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, Prefix: cfg.Prefix})
}

type filingConfig struct {
	Root string `json:"root"`
}

func newLocalFiling(_ context.Context, o registry.Options) (any, error) {
	cfg := filingConfig{Root: "./data"}
	if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
		return nil, err
	}
	return filing.NewLocal(cfg.Root)
}

func newMemoryFiling(context.Context, registry.Options) (any, error) {
	return filing.NewMemory(), nil
}

type storeConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

func newStore(driver string) registry.Constructor {
	return func(_ context.Context, o registry.Options) (any, error) {
		cfg := storeConfig{Path: "./data/history.db"}
		if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
			return nil, err
		}
		busy, err := config.ParseDurationField("busy_timeout", cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(storage.Config{Driver: driver, Path: cfg.Path, BusyTimeout: busy}, logger(o.Dependencies, "storage"))
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// newMemoryStore keeps run history in an in-memory JSON Lines file.
func newMemoryStore(_ context.Context, o registry.Options) (any, error) {
	return storage.Open(storage.Config{Driver: "file", Path: "/history.jsonl", Fs: afero.NewMemMapFs()}, logger(o.Dependencies, "storage"))
}

type workingConfig struct {
	ScriptsDir    string `json:"scripts_dir"`
	Timeout       string `json:"timeout"`
	MemoryLimitMB int    `json:"memory_limit_mb"`
	RetryMax      int    `json:"retry_max"`
}

func (env Env) newRunners(_ context.Context, o registry.Options) (any, error) {
	cfg := workingConfig{ScriptsDir: "scripts"}
	if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationField("timeout", cfg.Timeout)
	if err != nil {
		return nil, err
	}
	log := logger(o.Dependencies, "runner")

	resolver := units.Chain{env.Units}
	if files, ok := registry.Dep[*filing.Store](o.Dependencies, Filing); ok {
		fs := files.Fs()
		if dir := strings.Trim(path.Clean("/"+cfg.ScriptsDir), "/"); dir != "" {
			fs = afero.NewBasePathFs(fs, "/"+dir)
		}
		resolver = append(resolver, units.NewScriptLoader(fs, log))
	}
	return runner.NewFactory(resolver, log, env.Bus, runner.Settings{
		Timeout:       timeout,
		MemoryLimitMB: cfg.MemoryLimitMB,
		RetryMax:      cfg.RetryMax,
	}), nil
}

type jobsConfig struct {
	Disabled            bool     `json:"disabled"`
	Workers             int      `json:"workers"`
	Topics              []string `json:"topics"`
	PollWait            string   `json:"poll_wait"`
	DefaultTimeout      string   `json:"default_timeout"`
	MaxQueueDelay       string   `json:"max_queue_delay"`
	HistorySize         int      `json:"history_size"`
	RetryMax            int      `json:"retry_max"`
	CircuitTripFailures int      `json:"circuit_trip_failures"`
}

// JobsConfig converts a generic jobs config map into the engine config.
// workflow.StepsTopic is always consumed so durable workflow steps run.
func JobsConfig(m map[string]any) (engine.Config, error) {
	var raw jobsConfig
	if err := registry.DecodeConfig(m, &raw); err != nil {
		return engine.Config{}, err
	}
	cfg := engine.Config{
		Enabled:             !raw.Disabled,
		Workers:             raw.Workers,
		Topics:              raw.Topics,
		HistorySize:         raw.HistorySize,
		RetryMax:            raw.RetryMax,
		CircuitTripFailures: raw.CircuitTripFailures,
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{engine.DefaultTopic}
	}
	if !slices.Contains(cfg.Topics, workflow.StepsTopic) {
		cfg.Topics = append(cfg.Topics, workflow.StepsTopic)
	}
	var err error
	if cfg.PollWait, err = config.ParseDurationField("jobs.poll_wait", raw.PollWait); err != nil {
		return engine.Config{}, err
	}
	if cfg.DefaultTimeout, err = config.ParseDurationField("jobs.default_timeout", raw.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if cfg.MaxQueueDelay, err = config.ParseDurationField("jobs.max_queue_delay", raw.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

func (env Env) newJobs(ctx context.Context, o registry.Options) (any, error) {
	cfg, err := JobsConfig(o.Config)
	if err != nil {
		return nil, err
	}
	queue, ok := registry.Dep[queueing.Queue](o.Dependencies, Queueing)
	if !ok {
		return nil, fmt.Errorf("jobs: queueing dependency missing")
	}
	runners, _ := registry.Dep[*runner.Factory](o.Dependencies, Working)
	store, _ := registry.Dep[storage.Store](o.Dependencies, Data)
	svc := engine.New(cfg, queue, runners, historyOf(store), logger(o.Dependencies, "jobs"), env.Bus)
	// Workers outlive the constructor's context; Close stops them.
	svc.Start(context.WithoutCancel(ctx))
	return svc, nil
}

type schedulingConfig struct {
	Disabled      bool   `json:"disabled"`
	Timezone      string `json:"timezone"`
	StartupSpread bool   `json:"startup_spread"`
}

func (env Env) newScheduler(_ context.Context, o registry.Options) (any, error) {
	var raw schedulingConfig
	if err := registry.DecodeConfig(o.Config, &raw); err != nil {
		return nil, err
	}
	runners, _ := registry.Dep[*runner.Factory](o.Dependencies, Working)
	store, _ := registry.Dep[storage.Store](o.Dependencies, Data)
	cfg := scheduler.Config{Enabled: !raw.Disabled, Timezone: raw.Timezone, StartupSpread: raw.StartupSpread}
	var hist scheduler.HistoryStore
	if store != nil {
		hist = store
	}
	return scheduler.New(cfg, runners, hist, logger(o.Dependencies, "scheduler"), env.Bus), nil
}

type workflowConfig struct {
	Durable bool                `json:"durable"`
	File    string              `json:"file"`
	Defs    map[string][]string `json:"definitions"`
}

func (env Env) newWorkflow(_ context.Context, o registry.Options) (any, error) {
	var cfg workflowConfig
	if err := registry.DecodeConfig(o.Config, &cfg); err != nil {
		return nil, err
	}
	runners, _ := registry.Dep[*runner.Factory](o.Dependencies, Working)
	store, _ := registry.Dep[storage.Store](o.Dependencies, Data)
	var jobs workflow.Dispatcher
	if cfg.Durable {
		svc, ok := registry.Dep[*engine.Service](o.Dependencies, Jobs)
		if !ok {
			return nil, fmt.Errorf("workflow: durable steps need the jobs service")
		}
		jobs = svc
	}
	var hist workflow.HistoryStore
	if store != nil {
		hist = store
	}
	svc := workflow.New(runners, jobs, hist, logger(o.Dependencies, "workflow"), env.Bus)

	if cfg.File != "" {
		files, ok := registry.Dep[*filing.Store](o.Dependencies, Filing)
		if !ok {
			return nil, fmt.Errorf("workflow: definitions file needs the filing service")
		}
		if _, err := svc.LoadDefinitions(files.Fs(), cfg.File); err != nil {
			return nil, err
		}
	}
	if _, err := svc.DefineAll(cfg.Defs); err != nil {
		return nil, err
	}
	return svc, nil
}

func historyOf(store storage.Store) engine.HistoryStore {
	if store == nil {
		return nil
	}
	return store
}
