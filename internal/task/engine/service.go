package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskhost/internal/eventbus"
	rtsup "taskhost/internal/runtime/supervisor"
	"taskhost/internal/services/queueing"
	"taskhost/internal/storage"
	"taskhost/internal/task/runner"
	logx "taskhost/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// HistoryStore receives one record per finished job.
type HistoryStore interface {
	AppendRun(ctx context.Context, rec storage.RunRecord) error
}

// Service consumes job envelopes from queue topics and runs each one on a
// fresh runner, with retries and a per-unit circuit breaker.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue   queueing.Queue
	runners *runner.Factory
	store   HistoryStore

	sup *rtsup.Supervisor

	circuits *breaker

	stateMu sync.Mutex
	states  map[string]*runState

	pmu     sync.Mutex
	pending map[string]*pendingJob
	// abandoned holds IDs failed by Stop whose envelopes are still queued.
	abandoned map[string]struct{}

	hmu     sync.Mutex
	history []HistoryItem

	inFlight     atomic.Int32
	dropped      atomic.Uint64
	droppedStale atomic.Uint64

	warnStale *logx.Throttle
	warnPop   *logx.Throttle
}

// pendingJob is the process-local half of a queued job.
type pendingJob struct {
	cb       func(Result)
	state    *runState
	canceled bool
	cancel   context.CancelFunc // set while executing
}

func New(cfg Config, queue queueing.Queue, runners *runner.Factory, store HistoryStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if queue == nil {
		queue = queueing.NewMemory(0)
	}
	if runners == nil {
		runners = runner.NewFactory(nil, log, bus, runner.Settings{})
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		queue:     queue,
		runners:   runners,
		store:     store,
		circuits:  newBreaker(cfg),
		states:    map[string]*runState{},
		pending:   map[string]*pendingJob{},
		abandoned: map[string]struct{}{},
		warnStale: logx.NewThrottle(warnThrottleEvery),
		warnPop:   logx.NewThrottle(warnThrottleEvery),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config and restarts the workers when their layout changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	if !running {
		if cfg.Enabled && !prev.Enabled {
			s.Start(ctx)
		}
		return
	}
	if !cfg.Enabled {
		s.Stop(ctx)
		return
	}
	if prev.Workers != cfg.Workers || !slices.Equal(prev.Topics, cfg.Topics) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches Workers consumers per topic. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.sup != nil {
		s.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log.Named("jobs")),
		// a failing worker must not take the host down
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	for _, topic := range cfg.Topics {
		for i := 0; i < cfg.Workers; i++ {
			topic, idx := topic, i
			sup.GoRestart(fmt.Sprintf("worker.%s.%d", topic, idx), func(c context.Context) error {
				if err := s.worker(c, topic, idx); err != nil {
					return err
				}
				if c.Err() != nil {
					return c.Err()
				}
				return nil
			}, rtsup.WithPublishFirstError(true))
		}
	}
	s.log.Info("jobs engine started", logx.Int("workers", cfg.Workers), logx.String("topics", strings.Join(cfg.Topics, ",")))
}

// Stop cancels the workers and every job in flight, then fails the callbacks
// of jobs still waiting in the queue with ErrStopped. Those jobs are dropped,
// not run, if a later Start pops them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("jobs engine stop timed out", logx.Err(err))
	}

	s.pmu.Lock()
	orphans := s.pending
	s.pending = map[string]*pendingJob{}
	for id, p := range orphans {
		// Workers have exited, so a job without cancel was never popped.
		if p.cancel == nil {
			s.abandoned[id] = struct{}{}
		}
	}
	s.pmu.Unlock()
	for id, p := range orphans {
		if p.state != nil {
			p.state.release()
		}
		s.deliver(p, Result{ID: id, Status: runner.Error, Err: ErrStopped})
	}
	s.log.Info("jobs engine stopped")
}

// Close is Stop bounded to five seconds.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	return nil
}

// Submit queues job and returns its ID. The callback, if any, fires once with
// the final result.
func (s *Service) Submit(ctx context.Context, job Job) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job.Unit = strings.TrimSpace(job.Unit)
	if job.Unit == "" {
		return "", fmt.Errorf("%w: unit required", ErrInvalidJob)
	}

	s.mu.Lock()
	cfg := s.cfg
	started := s.sup != nil
	s.mu.Unlock()
	if !cfg.Enabled {
		return "", ErrDisabled
	}
	if !started {
		return "", ErrStopped
	}

	topic := strings.TrimSpace(job.Topic)
	if topic == "" {
		topic = cfg.Topics[0]
	}
	if !slices.Contains(cfg.Topics, topic) {
		return "", fmt.Errorf("%w: topic %q is not consumed", ErrInvalidJob, topic)
	}

	input, err := sonic.Marshal(job.Input)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", ErrInvalidJob, runner.ErrInvalidInput, err)
	}

	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	opt := job.Opt.withDefaults(cfg)

	if open, until := s.circuits.isOpen(job.Unit, now); open && tripFor(cfg, opt) > 0 {
		s.log.Debug("job skipped: circuit open", logx.String("unit", job.Unit), logx.String("id", job.ID), logx.Time("until", until))
		eventbus.Emit(s.bus, eventbus.JobSkipped, JobEvent{ID: job.ID, Unit: job.Unit, Started: now, Error: "circuit_open"})
		s.remember(cfg, HistoryItem{ID: job.ID, Unit: job.Unit, Started: now, Error: "circuit_open"})
		return "", ErrCircuitOpen
	}

	p := &pendingJob{cb: job.Callback}
	if opt.Overlap == OverlapSkipIfRunning {
		st := s.stateFor(job.Unit)
		if !st.tryAcquire() {
			s.log.Debug("job skipped due to overlap", logx.String("unit", job.Unit), logx.String("id", job.ID))
			eventbus.Emit(s.bus, eventbus.JobSkipped, JobEvent{ID: job.ID, Unit: job.Unit, Started: now, Error: "overlap_skip"})
			return "", ErrOverlapSkip
		}
		p.state = st
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	payload, err := sonic.Marshal(envelope{
		ID: job.ID, Unit: job.Unit, Input: input, Timeout: timeout, Opt: opt, EnqueuedAt: now,
	})
	if err != nil {
		if p.state != nil {
			p.state.release()
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	s.pmu.Lock()
	s.pending[job.ID] = p
	s.pmu.Unlock()

	if err := s.queue.Push(ctx, topic, payload); err != nil {
		s.pmu.Lock()
		delete(s.pending, job.ID)
		s.pmu.Unlock()
		if p.state != nil {
			p.state.release()
		}
		return "", fmt.Errorf("push job: %w", err)
	}
	return job.ID, nil
}

// Dispatch submits unit on topic and blocks until it finishes or ctx is done.
// Cancelling ctx cancels the job.
func (s *Service) Dispatch(ctx context.Context, topic, unit string, input any, opt Options) (runner.Outcome, error) {
	done := make(chan Result, 1)
	id, err := s.Submit(ctx, Job{Topic: topic, Unit: unit, Input: input, Opt: opt, Callback: func(r Result) { done <- r }})
	if err != nil {
		return runner.Outcome{}, err
	}
	select {
	case r := <-done:
		return runner.Outcome{Status: r.Status, Data: r.Data, Err: r.Err}, nil
	case <-ctx.Done():
		s.Cancel(id)
		return runner.Outcome{Status: runner.Idle}, ctx.Err()
	}
}

// Cancel stops job id if it is running, or marks it so workers drop it.
// It reports whether the job was known to this process.
func (s *Service) Cancel(id string) bool {
	s.pmu.Lock()
	p, ok := s.pending[id]
	if ok {
		p.canceled = true
		if p.cancel != nil {
			p.cancel()
		}
	}
	s.pmu.Unlock()
	return ok
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	ql := make(map[string]int, len(cfg.Topics))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	for _, t := range cfg.Topics {
		if n, err := s.queue.Len(ctx, t); err == nil {
			ql[t] = n
		}
	}
	cancel()

	s.pmu.Lock()
	pending := len(s.pending)
	s.pmu.Unlock()

	s.hmu.Lock()
	h := slices.Clone(s.history)
	s.hmu.Unlock()

	ct, co := s.circuits.counts(time.Now())
	return Snapshot{
		Enabled:        cfg.Enabled,
		Running:        running,
		Workers:        cfg.Workers,
		Topics:         slices.Clone(cfg.Topics),
		QueueLen:       ql,
		InFlight:       int(s.inFlight.Load()),
		Pending:        pending,
		Dropped:        s.dropped.Load(),
		DroppedStale:   s.droppedStale.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxQueueDelay:  cfg.MaxQueueDelay,
		RetryMax:       cfg.RetryMax,
		CircuitTotal:   ct,
		CircuitOpen:    co,
		History:        h,
	}
}

func (s *Service) stateFor(unit string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[unit]
	if st == nil {
		st = &runState{}
		s.states[unit] = st
	}
	return st
}

func (s *Service) remember(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) deliver(p *pendingJob, r Result) {
	if p == nil || p.cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("job callback panicked", logx.String("id", r.ID), logx.Any("panic", rec))
		}
	}()
	p.cb(r)
}
