package engine

import (
	"sync"
	"time"

	"taskhost/internal/task/runner"
)

// DefaultTopic is the queue topic ad-hoc jobs are pushed to.
const DefaultTopic = "jobs"

// Config controls the jobs engine.
type Config struct {
	Enabled bool
	Workers int // per topic

	// Topics consumed by the workers. The first one is the default for Submit.
	Topics []string

	// PollWait bounds a single blocking Pop; workers loop until stopped.
	PollWait time.Duration

	// DefaultTimeout is used when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Circuit breaker (consecutive-failure based, keyed by unit).
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{DefaultTopic}
	}
	if c.PollWait <= 0 {
		c.PollWait = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// Options tune retries, overlap and the circuit breaker for one job.
// They travel with the job through the queue.
type Options struct {
	Overlap       OverlapPolicy `json:"overlap,omitempty"`
	RetryMax      int           `json:"retry_max,omitempty"` // < 0 disables retries
	RetryBase     time.Duration `json:"retry_base,omitempty"`
	RetryMaxDelay time.Duration `json:"retry_max_delay,omitempty"`
	RetryJitter   float64       `json:"retry_jitter,omitempty"` // 0.2 = 20%

	// CircuitTripFailures overrides the engine threshold for this job.
	// If < 0, the circuit breaker is bypassed.
	CircuitTripFailures int `json:"circuit_trip_failures,omitempty"`
}

func (o Options) withDefaults(cfg Config) Options {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapAllow
	}
	return o
}

// Job is one ad-hoc unit of work.
//
// Callback is process-local: it is kept by the engine while the job's envelope
// travels through the queue, and fires once with the final result.
type Job struct {
	ID       string
	Topic    string
	Unit     string
	Input    any
	Timeout  time.Duration
	Opt      Options
	Callback func(Result)
}

// Result is the final outcome of a job after retries.
type Result struct {
	ID       string
	Unit     string
	Status   runner.Status
	Data     any
	Err      error
	Attempts int
}

// envelope is the queued form of a Job.
type envelope struct {
	ID         string        `json:"id"`
	Unit       string        `json:"unit"`
	Input      []byte        `json:"input,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Opt        Options       `json:"opt"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// runState tracks whether a unit already has a job queued or in flight.
// SkipIfRunning treats "queued" as running, which prevents queue blow-ups.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Unit       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// JobEvent is published on the bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Unit       string        `json:"unit"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Workers  int
	Topics   []string
	QueueLen map[string]int
	InFlight int
	Pending  int

	Dropped      uint64
	DroppedStale uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}
