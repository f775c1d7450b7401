package workflow

import (
	"context"
	"time"

	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/runner"
)

// StepsTopic is the queue topic durable step dispatch uses.
const StepsTopic = "workflow.steps"

// Update statuses delivered to a StatusCallback.
const (
	StatusStepCompleted = "step-completed"
	StatusError         = "error"
	StatusCompleted     = "completed"
)

// Definition is an ordered list of unit references.
type Definition struct {
	Name  string   `json:"name" yaml:"name"`
	Steps []string `json:"steps" yaml:"steps"`
}

// Update reports progress of one run. For StatusCompleted, StepIndex is the
// index of the last step.
type Update struct {
	RunID     string
	Status    string
	StepIndex int
	Data      any
	Err       error
}

type StatusCallback func(Update)

// Dispatcher executes a step outside the workflow's own runner, typically
// through the jobs engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, topic, unit string, input any, opt engine.Options) (runner.Outcome, error)
}

type HistoryStore interface {
	AppendRun(ctx context.Context, rec storage.RunRecord) error
}

// RunEvent is the payload of every workflow:* event.
type RunEvent struct {
	Workflow  string        `json:"workflow"`
	RunID     string        `json:"run_id,omitempty"`
	Steps     []string      `json:"steps,omitempty"`
	StepIndex int           `json:"step_index"`
	Unit      string        `json:"unit,omitempty"`
	Took      time.Duration `json:"took,omitempty"`
	Error     string        `json:"error,omitempty"`
}
