package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskhost/internal/eventbus"
	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/runner"
	logx "taskhost/pkg/logx"
)

// Service stores workflow definitions and runs them.
//
// Steps of one run are strictly sequential: step i+1 is dispatched only after
// step i reported completed, and its input is step i's output. Runs share no
// mutable state, so runs of the same workflow may proceed concurrently.
type Service struct {
	mu   sync.Mutex
	defs map[string][]string

	runners *runner.Factory
	jobs    Dispatcher
	history HistoryStore

	log logx.Logger
	bus eventbus.Bus
}

// New builds a workflow service. When jobs is non-nil, steps are dispatched
// through it on StepsTopic instead of a runner owned by the run.
func New(runners *runner.Factory, jobs Dispatcher, history HistoryStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if runners == nil {
		runners = runner.NewFactory(nil, log, bus, runner.Settings{})
	}
	return &Service{
		defs:    map[string][]string{},
		runners: runners,
		jobs:    jobs,
		history: history,
		log:     log,
		bus:     bus,
	}
}

// Durable reports whether steps go through the jobs engine.
func (s *Service) Durable() bool { return s.jobs != nil }

// Define stores or overwrites a definition. Unit references are not checked
// until a run reaches them.
func (s *Service) Define(name string, steps []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	clean := make([]string, 0, len(steps))
	for i, st := range steps {
		st = strings.TrimSpace(st)
		if st == "" {
			return fmt.Errorf("%w: %s: step %d has no unit", ErrInvalidDefinition, name, i)
		}
		clean = append(clean, st)
	}

	s.mu.Lock()
	_, replaced := s.defs[name]
	s.defs[name] = clean
	s.mu.Unlock()

	s.log.Debug("workflow defined", logx.String("workflow", name), logx.Int("steps", len(clean)), logx.Bool("replaced", replaced))
	eventbus.Emit(s.bus, eventbus.WorkflowDefined, RunEvent{Workflow: name, Steps: slices.Clone(clean)})
	return nil
}

func (s *Service) Definition(name string) (Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.defs[strings.TrimSpace(name)]
	if !ok {
		return Definition{}, false
	}
	return Definition{Name: name, Steps: slices.Clone(steps)}, true
}

// Definitions returns every definition sorted by name.
func (s *Service) Definitions() []Definition {
	s.mu.Lock()
	out := make([]Definition, 0, len(s.defs))
	for n, steps := range s.defs {
		out = append(out, Definition{Name: n, Steps: slices.Clone(steps)})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes a definition. Runs already in progress are unaffected.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.TrimSpace(name)
	_, ok := s.defs[name]
	delete(s.defs, name)
	return ok
}

// Run executes the named workflow with initial as the first step's input and
// returns the last step's output.
//
// An undefined name fails synchronously with ErrWorkflowNotFound and publishes
// workflow:run:error. A failing step aborts the run with a *StepError; later
// steps never start. Cancelling ctx stops the running step.
func (s *Service) Run(ctx context.Context, name string, initial any, cb StatusCallback) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	s.mu.Lock()
	steps, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
		s.log.Warn("workflow run rejected", logx.String("workflow", name), logx.Err(err))
		eventbus.Emit(s.bus, eventbus.WorkflowRunError, RunEvent{Workflow: name, Error: err.Error()})
		return nil, err
	}

	runID := uuid.NewString()
	log := s.log.With(logx.String("workflow", name), logx.String("run", runID))
	started := time.Now()

	var r *runner.Runner
	if s.jobs == nil {
		r = s.runners.New("workflow:" + name + ":" + runID[:8])
		defer r.Stop()
	}

	data := initial
	for i, unit := range steps {
		stepStart := time.Now()
		out, err := s.step(ctx, r, unit, data)
		if err == nil && out.Status != runner.Completed {
			err = out.Err
			if err == nil {
				err = fmt.Errorf("step ended with status %s", out.Status)
			}
		}
		if err != nil {
			serr := &StepError{Workflow: name, RunID: runID, StepIndex: i, Unit: unit, Message: err.Error(), Cause: err}
			log.Warn("workflow step failed", logx.Int("step", i), logx.String("unit", unit), logx.Err(err))
			s.notify(log, cb, Update{RunID: runID, Status: StatusError, StepIndex: i, Err: serr})
			eventbus.Emit(s.bus, eventbus.WorkflowFailed, RunEvent{
				Workflow: name, RunID: runID, StepIndex: i, Unit: unit, Took: time.Since(started), Error: serr.Message,
			})
			s.record(name, runID, started, i, nil, serr)
			return nil, serr
		}

		data = out.Data
		log.Debug("workflow step completed", logx.Int("step", i), logx.String("unit", unit), logx.Duration("took", time.Since(stepStart)))
		s.notify(log, cb, Update{RunID: runID, Status: StatusStepCompleted, StepIndex: i, Data: data})
		eventbus.Emit(s.bus, eventbus.WorkflowStepCompleted, RunEvent{
			Workflow: name, RunID: runID, StepIndex: i, Unit: unit, Took: time.Since(stepStart),
		})
	}

	took := time.Since(started)
	log.Info("workflow completed", logx.Int("steps", len(steps)), logx.Duration("took", took))
	s.notify(log, cb, Update{RunID: runID, Status: StatusCompleted, StepIndex: len(steps) - 1, Data: data})
	eventbus.Emit(s.bus, eventbus.WorkflowCompleted, RunEvent{Workflow: name, RunID: runID, StepIndex: len(steps) - 1, Took: took})
	s.record(name, runID, started, len(steps)-1, data, nil)
	return data, nil
}

func (s *Service) step(ctx context.Context, r *runner.Runner, unit string, input any) (runner.Outcome, error) {
	if r != nil {
		return r.Run(ctx, unit, input)
	}
	// Steps are not idempotent in general; the workflow itself decides what a failure means.
	return s.jobs.Dispatch(ctx, StepsTopic, unit, input, engine.Options{RetryMax: -1, CircuitTripFailures: -1})
}

func (s *Service) notify(log logx.Logger, cb StatusCallback, u Update) {
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("workflow callback panicked", logx.String("status", u.Status), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	cb(u)
}

func (s *Service) record(name, runID string, started time.Time, step int, data any, err error) {
	if s.history == nil {
		return
	}
	rec := storage.RunRecord{
		At:     started,
		ID:     runID,
		Kind:   storage.KindWorkflow,
		Name:   name,
		Status: string(runner.Completed),
		Step:   step,
		TookMS: time.Since(started).Milliseconds(),
	}
	var serr *StepError
	if errors.As(err, &serr) {
		rec.Status = string(runner.Error)
		rec.Unit = serr.Unit
		rec.Error = serr.Message
	}
	if data != nil {
		if b, mErr := sonic.MarshalString(data); mErr == nil {
			rec.DataJSON = b
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if aErr := s.history.AppendRun(ctx, rec); aErr != nil {
		s.log.Debug("record workflow history failed", logx.String("run", runID), logx.Err(aErr))
	}
}
