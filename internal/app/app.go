package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"taskhost/internal/config"
	"taskhost/internal/eventbus"
	"taskhost/internal/registry"
	rtsup "taskhost/internal/runtime/supervisor"
	"taskhost/internal/services/catalog"
	"taskhost/internal/services/filing"
	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/runner"
	"taskhost/internal/task/scheduler"
	"taskhost/internal/task/units"
	"taskhost/internal/task/workflow"
	logx "taskhost/pkg/logx"
)

type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
	StopManual StopReason = "manual"
)

type Option func(*App)

// WithUnits replaces the built-in static units.
func WithUnits(u *units.Registry) Option { return func(a *App) { a.units = u } }

// WithoutWatch disables config file watching.
func WithoutWatch() Option { return func(a *App) { a.watch = false } }

// App wires the service registry from the config file and keeps the running
// services in line with it.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	reg   *registry.Registry
	units *units.Registry
	watch bool

	store storage.Store
	files *filing.Store
	jobs  *engine.Service
	sched *scheduler.Service
	wf    *workflow.Service

	mu      sync.Mutex
	applied *config.Config
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info").Named("config"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(loggingConfig(cfg))
	cfgm.SetLogger(root.Named("config"))
	bus := eventbus.New()

	a := &App{
		cfgm:    cfgm,
		log:     root.Named("app"),
		logs:    logs,
		bus:     bus,
		units:   units.Builtins(),
		watch:   true,
		applied: cfg,
	}
	for _, o := range opts {
		o(a)
	}

	a.reg = registry.New(root.Named("registry"), bus)
	if err := catalog.Register(a.reg, catalog.Env{Log: root, Bus: bus, Units: a.units}); err != nil {
		_ = logs.Close()
		return nil, err
	}
	if err := a.build(context.Background(), cfg); err != nil {
		a.reg.Reset()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// build constructs the configured default instance of every service, lowest
// level first, so later dependency injection reuses them.
func (a *App) build(ctx context.Context, cfg *config.Config) error {
	if err := a.check(ctx, cfg); err != nil {
		return err
	}
	for _, svc := range infrastructure {
		sc := serviceChoice(cfg, svc)
		if err := a.reg.SetDefault(svc, sc.Provider); err != nil {
			return fmt.Errorf("services.%s: %w", svc, err)
		}
		if _, err := a.reg.Get(ctx, svc, sc.Provider, registry.Options{Config: sc.Config}); err != nil {
			return err
		}
	}

	runnerOpts, err := toMap(cfg.Runner)
	if err != nil {
		return err
	}
	if _, err := a.reg.Get(ctx, catalog.Working, "", registry.Options{Config: runnerOpts}); err != nil {
		return err
	}
	engOpts, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	jobs, err := getAs[*engine.Service](ctx, a.reg, catalog.Jobs, engOpts)
	if err != nil {
		return err
	}
	sched, err := getAs[*scheduler.Service](ctx, a.reg, catalog.Scheduling, schedulerOptions(cfg))
	if err != nil {
		return err
	}
	wfOpts, err := toMap(cfg.Workflows)
	if err != nil {
		return err
	}
	wf, err := getAs[*workflow.Service](ctx, a.reg, catalog.Workflow, wfOpts)
	if err != nil {
		return err
	}
	store, err := getAs[storage.Store](ctx, a.reg, catalog.Data, nil)
	if err != nil {
		return err
	}
	files, err := getAs[*filing.Store](ctx, a.reg, catalog.Filing, nil)
	if err != nil {
		return err
	}
	a.jobs, a.sched, a.wf, a.store, a.files = jobs, sched, wf, store, files
	return nil
}

func getAs[T any](ctx context.Context, reg *registry.Registry, service string, conf map[string]any) (T, error) {
	var zero T
	v, err := reg.Get(ctx, service, "", registry.Options{Config: conf})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected instance type %T", service, v)
	}
	return t, nil
}

// check validates cfg against the registry. It also guards hot reloads.
func (a *App) check(_ context.Context, cfg *config.Config) error {
	if err := checkServices(cfg, a.reg.Registered()); err != nil {
		return err
	}
	if err := checkScheduler(cfg); err != nil {
		return err
	}
	_, err := jobsConfig(cfg)
	return err
}

func jobsConfig(cfg *config.Config) (engine.Config, error) {
	opts, err := engineOptions(cfg)
	if err != nil {
		return engine.Config{}, err
	}
	return catalog.JobsConfig(opts)
}

func (a *App) Registry() *registry.Registry  { return a.reg }
func (a *App) Workflows() *workflow.Service  { return a.wf }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Jobs() *engine.Service         { return a.jobs }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunWorkflow runs a defined workflow and logs each step update.
func (a *App) RunWorkflow(ctx context.Context, name string, input any) (any, error) {
	log := a.log.With(logx.String("workflow", name))
	return a.wf.Run(ctx, name, input, func(u workflow.Update) {
		switch u.Status {
		case workflow.StatusError:
			log.Warn("workflow step failed", logx.Int("step", u.StepIndex), logx.Err(u.Err))
		default:
			log.Debug("workflow update", logx.String("status", u.Status), logx.Int("step", u.StepIndex))
		}
	})
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(a.check)

	a.mu.Lock()
	cfg := a.applied
	a.mu.Unlock()
	if cfg.Scheduler.Enabled {
		a.reconcileTasks(nil, cfg.Scheduler.Tasks)
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					// Keep this debug-level to avoid noise for frequent schedulers.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.Apply(c, newCfg)
			}
		}
	})

	if a.watch {
		a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	}

	a.log.Info("app started",
		logx.Int("tasks", len(a.sched.Names())),
		logx.Int("workflows", len(a.wf.Definitions())),
		logx.Int("services", len(a.reg.ListServices())),
	)
	return nil
}

// Apply brings the running services in line with newCfg. Sections that only
// take effect on restart are reported and left alone.
func (a *App) Apply(ctx context.Context, newCfg *config.Config) {
	a.mu.Lock()
	prev := a.applied
	a.applied = newCfg
	a.mu.Unlock()

	sections, attrs, tasks := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			if err := a.logs.Apply(loggingConfig(newCfg)); err != nil {
				a.log.Warn("logging sink unavailable", logx.Err(err))
			}
		case "runner", "services":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "engine":
			if jc, err := jobsConfig(newCfg); err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
			} else {
				a.jobs.Apply(ctx, jc)
			}
		case "scheduler":
			a.applyScheduler(prev, newCfg, tasks)
		case "workflows":
			a.syncWorkflows(newCfg)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(prev, next *config.Config, changed []string) {
	a.sched.Apply(schedulerConfig(next))
	switch {
	case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config", logx.Int("stopped", a.sched.StopAll()))
	case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.reconcileTasks(nil, next.Scheduler.Tasks)
	case next.Scheduler.Enabled && len(changed) > 0:
		var stale []config.TaskConfig
		for _, t := range prev.Scheduler.Tasks {
			if slices.Contains(changed, strings.TrimSpace(t.Name)) {
				stale = append(stale, t)
			}
		}
		var fresh []config.TaskConfig
		for _, t := range next.Scheduler.Tasks {
			if slices.Contains(changed, strings.TrimSpace(t.Name)) {
				fresh = append(fresh, t)
			}
		}
		a.reconcileTasks(stale, fresh)
	}
}

// reconcileTasks stops the stale tasks, then schedules the fresh ones.
func (a *App) reconcileTasks(stale, fresh []config.TaskConfig) {
	for _, t := range stale {
		a.sched.Stop(t.Name)
	}
	for _, t := range fresh {
		if err := a.startTask(t); err != nil {
			a.log.Debug("task not scheduled", logx.String("task", t.Name), logx.Err(err))
		}
	}
}

func (a *App) startTask(t config.TaskConfig) error {
	cb := func(o runner.Outcome) {
		if o.Err != nil {
			a.log.Debug("scheduled task failed", logx.String("task", t.Name), logx.Err(o.Err))
		}
	}
	if every := strings.TrimSpace(t.Every); every != "" {
		d, err := config.ParseDurationField("scheduler.tasks."+t.Name+".every", every)
		if err != nil {
			return err
		}
		return a.sched.Start(t.Name, t.Unit, d, cb)
	}
	return a.sched.StartSpec(t.Name, t.Unit, t.Schedule, cb)
}

// syncWorkflows redefines the workflows from the config and removes the ones
// that are no longer there.
func (a *App) syncWorkflows(cfg *config.Config) {
	before := a.wf.Definitions()
	var keep []string
	if f := strings.TrimSpace(cfg.Workflows.File); f != "" {
		names, err := a.wf.LoadDefinitions(a.files.Fs(), f)
		if err != nil {
			a.log.Warn("workflow file reload failed; keeping previous", logx.String("file", f), logx.Err(err))
			return
		}
		keep = append(keep, names...)
	}
	names, err := a.wf.DefineAll(cfg.Workflows.Definitions)
	if err != nil {
		a.log.Warn("workflow definitions rejected", logx.Err(err))
		return
	}
	keep = append(keep, names...)
	for _, d := range before {
		if !slices.Contains(keep, d.Name) {
			a.wf.Remove(d.Name)
		}
	}
	if cfg.Workflows.Durable != a.wf.Durable() {
		a.log.Warn("workflows.durable changed; restart required for changes to take effect")
	}
}

// Stop shuts the services down in dependency order, highest level first.
// It is safe to call on an app that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; log a leak signal if it doesn't.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Shutdown(c); return nil })
	step("jobs", 3*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("registry", 3*time.Second, func(context.Context) error {
		a.log.Debug("services evicted", logx.Int("count", a.reg.Reset()))
		return nil
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error {
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
