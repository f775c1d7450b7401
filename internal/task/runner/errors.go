package runner

import (
	"errors"
)

var (
	ErrAlreadyRunning = errors.New("task runner already running")
	ErrInvalidInput   = errors.New("input is not serializable")

	ErrUnitLoad      = errors.New("unit load failed")
	ErrUnitExecution = errors.New("unit execution failed")
	ErrAbnormalExit  = errors.New("execution context exited abnormally")
)

// UnitError is the error carried by an Outcome with status Error.
//
// Error() is the human-readable message produced inside the execution context;
// Kind is one of ErrUnitLoad, ErrUnitExecution or ErrAbnormalExit and matches errors.Is.
type UnitError struct {
	Unit string
	Kind error
	Msg  string
}

func (e *UnitError) Error() string { return e.Msg }
func (e *UnitError) Unwrap() error { return e.Kind }

// errKind is the wire form of UnitError.Kind.
type errKind uint8

const (
	kindNone errKind = iota
	kindLoad
	kindExec
	kindAbnormal
)

func (k errKind) err() error {
	switch k {
	case kindLoad:
		return ErrUnitLoad
	case kindAbnormal:
		return ErrAbnormalExit
	default:
		return ErrUnitExecution
	}
}
