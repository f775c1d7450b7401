package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"taskhost/internal/eventbus"
	"taskhost/internal/task/units"
	logx "taskhost/pkg/logx"
)

// Runner executes one unit of work at a time in an isolated execution context.
//
// Contract:
//   - Start is rejected with ErrAlreadyRunning while a run is live; the original
//     run's callback stays the only one invoked.
//   - The callback fires at most once per run, with a terminal Outcome.
//   - After a terminal message the context is torn down and the runner returns to Idle.
//   - Stop is forceful: the context is cancelled, any pending result is discarded.
type Runner struct {
	mu sync.Mutex

	name     string
	resolver units.Resolver
	log      logx.Logger
	bus      eventbus.Bus
	settings Settings

	status  Status
	gen     uint64
	cur     *execContext
	cb      Callback
	unit    string
	started time.Time

	warnBusy *logx.Throttle
}

type Option func(*Runner)

func WithSettings(s Settings) Option {
	return func(r *Runner) { r.settings = r.settings.merge(s) }
}

func New(name string, resolver units.Resolver, log logx.Logger, bus eventbus.Bus, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		name:     name,
		resolver: resolver,
		log:      log.With(logx.String("runner", name)),
		bus:      bus,
		status:   Idle,
		warnBusy: logx.NewThrottle(10 * time.Second),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

func (r *Runner) Name() string { return r.name }

// Start dispatches unit with input to a fresh execution context.
// Input must be JSON-serializable; it is copied across the context boundary.
func (r *Runner) Start(unit string, input any, cb Callback) error {
	payload, err := sonic.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	r.mu.Lock()
	if r.status == Running {
		busy := r.unit
		r.mu.Unlock()
		r.warnBusy.Do(func() {
			r.log.Warn("start rejected, runner busy", logx.String("unit", unit), logx.String("running", busy))
		})
		eventbus.Emit(r.bus, eventbus.RunnerStartError, StatusEvent{
			Runner: r.name, Unit: unit, Status: Running, Error: ErrAlreadyRunning.Error(),
		})
		return ErrAlreadyRunning
	}

	r.gen++
	gen := r.gen
	if r.cur != nil {
		r.cur.kill()
	}
	ec := spawn(r.resolver, r.log)
	r.cur = ec
	r.cb = cb
	r.unit = unit
	r.status = Running
	r.started = time.Now()
	ec.inbox <- startMsg{Unit: unit, Input: payload}
	r.mu.Unlock()

	go r.collect(gen, ec, unit)

	r.log.Debug("unit started", logx.String("unit", unit))
	eventbus.Emit(r.bus, eventbus.RunnerStatus, StatusEvent{Runner: r.name, Unit: unit, Status: Running})
	return nil
}

// Stop terminates the live execution context, if any, drops the callback and resets to Idle.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.gen++
	ec := r.cur
	was := r.status
	unit := r.unit
	r.cur = nil
	r.cb = nil
	r.status = Idle
	r.mu.Unlock()

	if ec != nil {
		ec.kill()
	}
	if was != Idle {
		r.log.Debug("runner stopped", logx.String("unit", unit), logx.String("was", string(was)))
		eventbus.Emit(r.bus, eventbus.RunnerStatus, StatusEvent{Runner: r.name, Unit: unit, Status: Idle})
	}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// QueryContext asks the live execution context for its own view of the status.
// Without a live context it returns the runner's status.
func (r *Runner) QueryContext(ctx context.Context) (Status, error) {
	r.mu.Lock()
	ec := r.cur
	st := r.status
	r.mu.Unlock()
	if ec == nil {
		return st, nil
	}

	reply := make(chan currentStatusMsg, 1)
	select {
	case ec.inbox <- statusQuery{reply: reply}:
	case <-ec.done:
		return r.Status(), nil
	case <-ctx.Done():
		return st, ctx.Err()
	}
	select {
	case m := <-reply:
		return m.Status, nil
	case <-ec.done:
		return r.Status(), nil
	case <-ctx.Done():
		return st, ctx.Err()
	}
}

func (r *Runner) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// SaveSettings merges partial into the settings and returns the result.
// Zero fields of partial leave the setting alone; pass a negative value to
// reset a setting to zero.
func (r *Runner) SaveSettings(partial Settings) Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = r.settings.merge(partial)
	return r.settings
}

// Run starts unit and blocks until it reaches a terminal status or ctx is done.
// On ctx expiry the runner is stopped and ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, unit string, input any) (Outcome, error) {
	done := make(chan Outcome, 1)
	if err := r.Start(unit, input, func(o Outcome) { done <- o }); err != nil {
		return Outcome{}, err
	}
	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		r.Stop()
		return Outcome{Status: Idle}, ctx.Err()
	}
}

func (r *Runner) collect(gen uint64, ec *execContext, unit string) {
	for {
		select {
		case m := <-ec.outbox:
			if m.Status.Terminal() {
				r.finish(gen, ec, unit, m)
				return
			}
		case <-ec.done:
			for {
				select {
				case m := <-ec.outbox:
					if m.Status.Terminal() {
						r.finish(gen, ec, unit, m)
						return
					}
				default:
					r.finish(gen, ec, unit, statusMsg{
						Status: Error,
						Kind:   kindAbnormal,
						Err:    fmt.Sprintf("execution context for %s exited without a result", unit),
					})
					return
				}
			}
		}
	}
}

func (r *Runner) finish(gen uint64, ec *execContext, unit string, m statusMsg) {
	ec.kill()
	out := decodeOutcome(unit, m)

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.status = out.Status
	cb := r.cb
	r.cb = nil
	took := time.Since(r.started)
	r.mu.Unlock()

	if cb != nil {
		r.invoke(cb, out)
	}

	ev := StatusEvent{Runner: r.name, Unit: unit, Status: out.Status, Took: took}
	if out.Err != nil {
		ev.Error = out.Err.Error()
		r.log.Debug("unit failed", logx.String("unit", unit), logx.Err(out.Err), logx.Duration("took", took))
	} else {
		r.log.Debug("unit completed", logx.String("unit", unit), logx.Duration("took", took))
	}
	eventbus.Emit(r.bus, eventbus.RunnerStatus, ev)

	r.mu.Lock()
	if gen == r.gen {
		r.cur = nil
		r.status = Idle
	}
	r.mu.Unlock()
}

func (r *Runner) invoke(cb Callback, out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("completion callback panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	cb(out)
}

func decodeOutcome(unit string, m statusMsg) Outcome {
	if m.Status != Completed {
		return Outcome{Status: Error, Err: &UnitError{Unit: unit, Kind: m.Kind.err(), Msg: m.Err}}
	}
	var data any
	if len(m.Data) > 0 {
		if err := sonic.Unmarshal(m.Data, &data); err != nil {
			return Outcome{Status: Error, Err: &UnitError{
				Unit: unit, Kind: ErrUnitExecution, Msg: fmt.Sprintf("decode result: %v", err),
			}}
		}
	}
	return Outcome{Status: Completed, Data: data}
}
