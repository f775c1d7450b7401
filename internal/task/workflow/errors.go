package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrStepFailed        = errors.New("workflow step failed")
)

// StepError is the failure of one workflow run. It matches ErrStepFailed and
// the underlying cause (for example runner.ErrUnitExecution or context.Canceled).
type StepError struct {
	Workflow  string
	RunID     string
	StepIndex int
	Unit      string
	Message   string
	Cause     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s: step %d (%s): %s", e.Workflow, e.StepIndex, e.Unit, e.Message)
}

func (e *StepError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrStepFailed}
	}
	return []error{ErrStepFailed, e.Cause}
}
