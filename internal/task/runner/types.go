package runner

import (
	"time"
)

// Status is the execution status of a Runner.
//
// Within one run it only moves forward: idle -> running -> completed|error.
// It returns to idle after the runner tears the execution context down
// (automatically after a terminal message, or via Stop).
type Status string

const (
	Idle      Status = "idle"
	Running   Status = "running"
	Completed Status = "completed"
	Error     Status = "error"
)

func (s Status) Terminal() bool { return s == Completed || s == Error }

// Descriptor identifies one unit of work and its input. It is immutable once submitted.
type Descriptor struct {
	Unit  string `json:"unit"`
	Input any    `json:"input,omitempty"`
}

// Outcome is delivered exactly once per run to the completion callback.
// Data is the unit's return value (completed); Err describes the failure (error).
type Outcome struct {
	Status Status
	Data   any
	Err    error
}

type Callback func(Outcome)

// Settings are advisory tunables for the execution context.
// The runner stores and reports them but does not enforce them.
type Settings struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	MemoryLimitMB int           `json:"memory_limit_mb,omitempty"`
	RetryMax      int           `json:"retry_max,omitempty"`
}

// merge overlays p onto s field by field: zero keeps the current value and a
// negative value resets it to zero.
func (s Settings) merge(p Settings) Settings {
	s.Timeout = mergeField(s.Timeout, p.Timeout)
	s.MemoryLimitMB = mergeField(s.MemoryLimitMB, p.MemoryLimitMB)
	s.RetryMax = mergeField(s.RetryMax, p.RetryMax)
	return s
}

func mergeField[T time.Duration | int](cur, next T) T {
	switch {
	case next < 0:
		return 0
	case next > 0:
		return next
	}
	return cur
}

// StatusEvent is published on the bus for every runner status change.
type StatusEvent struct {
	Runner string        `json:"runner"`
	Unit   string        `json:"unit,omitempty"`
	Status Status        `json:"status"`
	Took   time.Duration `json:"took,omitempty"`
	Error  string        `json:"error,omitempty"`
}
