package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robfig/cron/v3"

	"taskhost/internal/eventbus"
	"taskhost/internal/storage"
	"taskhost/internal/task/runner"
	logx "taskhost/pkg/logx"
)

// Start schedules unit to run every interval under name.
//
// If name is already scheduled it returns ErrDuplicateTask, publishes
// scheduler:start:error and leaves the existing task untouched.
func (s *Service) Start(name, unit string, every time.Duration, cb Callback) error {
	if every <= 0 {
		return s.startFailed(name, unit, fmt.Errorf("%w: interval must be > 0", ErrInvalidTask))
	}
	return s.add(name, unit, "@every "+every.String(), func(now time.Time) (cron.Schedule, time.Duration) {
		return intervalSchedule(every, now, s.spreadEnabled())
	}, cb)
}

// StartSpec is Start with a schedule string.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) StartSpec(name, unit, schedule string, cb Callback) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return s.startFailed(name, unit, fmt.Errorf("%w: %v", ErrInvalidTask, err))
	}
	if ps.Kind == SpecInterval {
		return s.Start(name, unit, ps.Every, cb)
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return s.startFailed(name, unit, fmt.Errorf("%w: %v", ErrInvalidTask, err))
	}
	return s.add(name, unit, ps.Cron, func(time.Time) (cron.Schedule, time.Duration) { return sched, 0 }, cb)
}

// StartDaily runs unit every day at HH:MM in the scheduler timezone.
func (s *Service) StartDaily(name, unit, atHHMM string, cb Callback) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return s.startFailed(name, unit, fmt.Errorf("%w: %v", ErrInvalidTask, err))
	}
	return s.StartSpec(name, unit, fmt.Sprintf("cron:%d %d * * *", m, h), cb)
}

func (s *Service) add(name, unit, spec string, mk func(now time.Time) (cron.Schedule, time.Duration), cb Callback) error {
	name = strings.TrimSpace(name)
	unit = strings.TrimSpace(unit)
	if name == "" {
		return s.startFailed(name, unit, fmt.Errorf("%w: name required", ErrInvalidTask))
	}
	if unit == "" {
		return s.startFailed(name, unit, fmt.Errorf("%w: %s: unit required", ErrInvalidTask, name))
	}

	s.mu.Lock()
	if _, ok := s.tasks[name]; ok {
		s.mu.Unlock()
		return s.startFailed(name, unit, fmt.Errorf("%w: %s", ErrDuplicateTask, name))
	}
	s.ensureCronLocked()
	t := &task{
		name:   name,
		unit:   unit,
		spec:   spec,
		runner: s.runners.New("scheduler:" + name),
		cb:     cb,
	}
	t.sched, t.spread = mk(time.Now().In(s.loc))
	s.addEntryLocked(t)
	s.tasks[name] = t
	next := s.previewNextRunsLocked(t.sched, 3)
	s.mu.Unlock()

	args := []logx.Field{logx.String("name", name), logx.String("unit", unit), logx.String("spec", spec)}
	if t.spread > 0 {
		args = append(args, logx.Duration("spread", t.spread))
	}
	if next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("task scheduled", args...)
	eventbus.Emit(s.bus, eventbus.SchedulerStarted, TaskEvent{TaskName: name, Unit: unit, Spec: spec})
	return nil
}

func (s *Service) addEntryLocked(t *task) {
	t.entryID = s.c.Schedule(t.sched, cron.FuncJob(func() { s.tick(t) }))
}

func (s *Service) startFailed(name, unit string, err error) error {
	s.log.Warn("task start rejected", logx.String("name", name), logx.String("unit", unit), logx.Err(err))
	eventbus.Emit(s.bus, eventbus.SchedulerStartError, TaskEvent{TaskName: name, Unit: unit, Error: err.Error()})
	return err
}

// Stop unschedules name and forcefully stops its runner.
// It reports whether a task was removed.
func (s *Service) Stop(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	t, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
		if s.c != nil {
			s.c.Remove(t.entryID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.stopTask(t)
	return true
}

// StopAll stops every scheduled task exactly once and returns how many were stopped.
func (s *Service) StopAll() int {
	s.mu.Lock()
	all := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if s.c != nil {
			s.c.Remove(t.entryID)
		}
		all = append(all, t)
	}
	s.tasks = map[string]*task{}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	for _, t := range all {
		s.stopTask(t)
	}
	return len(all)
}

func (s *Service) stopTask(t *task) {
	t.mu.Lock()
	t.stopped = true
	t.cb = nil
	t.mu.Unlock()
	t.runner.Stop()
	s.log.Debug("task stopped", logx.String("name", t.name))
	eventbus.Emit(s.bus, eventbus.SchedulerStopped, TaskEvent{TaskName: t.name, Unit: t.unit})
}

// IsRunning reports whether name is scheduled, not whether a tick is in flight.
func (s *Service) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[strings.TrimSpace(name)]
	return ok
}

// IsAnyRunning reports whether any task is scheduled.
func (s *Service) IsAnyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) > 0
}

// Names returns the scheduled task names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Service) tick(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panicked", logx.String("name", t.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	// A tick that loses the race with stopTask must not start the unit.
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	started := time.Now()
	err := t.runner.Start(t.unit, nil, func(o runner.Outcome) { s.onTick(t, started, o) })
	t.mu.Unlock()

	switch {
	case err == nil:
		t.executions.Add(1)
	case errors.Is(err, runner.ErrAlreadyRunning):
		t.skipped.Add(1)
		s.reportTickError(t.name, err)
	default:
		t.failures.Add(1)
		s.reportTickError(t.name, err)
	}
}

func (s *Service) onTick(t *task, started time.Time, o runner.Outcome) {
	errMsg := ""
	if o.Err != nil {
		errMsg = o.Err.Error()
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if o.Err != nil {
		t.failures.Add(1)
	}
	t.lastStatus = o.Status
	t.lastRun = started
	t.lastErr = errMsg
	cb := t.cb
	// Emitted under t.mu so taskExecuted never follows scheduler:stopped.
	eventbus.Emit(s.bus, eventbus.SchedulerTaskExecuted, TaskExecuted{
		TaskName: t.name, Unit: t.unit, Status: o.Status, Data: o.Data, Error: errMsg,
	})
	t.mu.Unlock()

	if cb != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("task callback panicked", logx.String("name", t.name), logx.Any("panic", r))
				}
			}()
			cb(o)
		}()
	}
	s.record(t, started, o, errMsg)
}

func (s *Service) record(t *task, started time.Time, o runner.Outcome, errMsg string) {
	if s.history == nil {
		return
	}
	rec := storage.RunRecord{
		At:     started,
		Kind:   storage.KindSchedule,
		Name:   t.name,
		Unit:   t.unit,
		Status: string(o.Status),
		Error:  errMsg,
		TookMS: time.Since(started).Milliseconds(),
	}
	if o.Data != nil {
		if b, err := sonic.MarshalString(o.Data); err == nil {
			rec.DataJSON = b
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.history.AppendRun(ctx, rec); err != nil {
		s.reportTickError(t.name, fmt.Errorf("record history: %w", err))
	}
}

// previewNextRunsLocked returns a short, human-friendly list of upcoming run times.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) spreadEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.StartupSpread
}
