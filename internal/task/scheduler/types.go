package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskhost/internal/eventbus"
	"taskhost/internal/storage"
	"taskhost/internal/task/runner"
	logx "taskhost/pkg/logx"
)

var (
	ErrDuplicateTask = errors.New("task already scheduled")
	ErrInvalidTask   = errors.New("invalid task")
)

// Config controls the scheduler service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// StartupSpread delays the first tick of interval tasks by a random
	// fraction of the interval (capped at 30s) to avoid a thundering herd.
	StartupSpread bool
}

// Callback receives the outcome of every tick that ran.
type Callback = runner.Callback

// HistoryStore records finished ticks. storage.Store satisfies it.
type HistoryStore interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

// TaskExecuted is the payload of scheduler:taskExecuted.
type TaskExecuted struct {
	TaskName string        `json:"taskName"`
	Unit     string        `json:"unitReference"`
	Status   runner.Status `json:"status"`
	Data     any           `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// TaskEvent is the payload of scheduler:started, scheduler:stopped and scheduler:start:error.
type TaskEvent struct {
	TaskName string `json:"taskName"`
	Unit     string `json:"unitReference,omitempty"`
	Spec     string `json:"spec,omitempty"`
	Error    string `json:"error,omitempty"`
}

type task struct {
	name string
	unit string
	spec string

	sched   cron.Schedule
	entryID cron.EntryID
	spread  time.Duration

	runner *runner.Runner
	cb     Callback

	executions atomic.Uint64
	skipped    atomic.Uint64
	failures   atomic.Uint64

	mu         sync.Mutex
	stopped    bool
	lastStatus runner.Status
	lastRun    time.Time
	lastErr    string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	runners *runner.Factory
	history HistoryStore

	parser cron.Parser
	c      *cron.Cron
	tasks  map[string]*task

	// Tick error throttling: key is task name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type TaskInfo struct {
	Name       string
	Unit       string
	Spec       string
	Next       time.Time
	Prev       time.Time
	Spread     time.Duration
	Busy       bool
	Executions uint64
	Skipped    uint64
	Failures   uint64
	LastStatus runner.Status
	LastRun    time.Time
	LastError  string
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Tasks    []TaskInfo
}
