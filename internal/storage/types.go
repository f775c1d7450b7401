package storage

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path (on Fs, or the OS filesystem when Fs is nil)
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Fs          afero.Fs      `json:"-"`
}

// Run kinds.
const (
	KindSchedule = "schedule"
	KindWorkflow = "workflow"
	KindJob      = "job"
)

// RunRecord is one finished execution. Keep it compact and schema-stable.
type RunRecord struct {
	At       time.Time `json:"at"`
	ID       string    `json:"id,omitempty"`
	Kind     string    `json:"kind"`
	Name     string    `json:"name"`
	Unit     string    `json:"unit,omitempty"`
	Status   string    `json:"status"`
	Step     int       `json:"step,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	DataJSON string    `json:"data,omitempty"`
}

// RunQuery filters ListRuns. Empty fields match everything.
// Results are newest first; Limit <= 0 means DefaultListLimit.
type RunQuery struct {
	Kind  string
	Name  string
	Limit int
}

const DefaultListLimit = 100

// Store is the persistence API used by the task services.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, q RunQuery) ([]RunRecord, error)
	Close() error
}

func (q RunQuery) match(r RunRecord) bool {
	if q.Kind != "" && q.Kind != r.Kind {
		return false
	}
	if q.Name != "" && q.Name != r.Name {
		return false
	}
	return true
}

func (q RunQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return q.Limit
}
