package engine

import (
	"errors"
)

var (
	ErrDisabled    = errors.New("jobs engine disabled")
	ErrStopped     = errors.New("jobs engine stopped")
	ErrInvalidJob  = errors.New("invalid job")
	ErrOverlapSkip = errors.New("job skipped due to overlap policy")
	ErrCircuitOpen = errors.New("job skipped: circuit breaker open")
	ErrStaleJob    = errors.New("job dropped: queued too long")
	ErrCanceled    = errors.New("job canceled")
)
