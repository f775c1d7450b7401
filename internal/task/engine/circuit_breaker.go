package engine

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker keyed by unit.
//
// A success closes the circuit. Once failures reach the trip threshold the
// circuit opens for an exponentially increasing cooldown capped at maxDelay.
// State older than resetAfter is forgotten.
type breaker struct {
	mu sync.Mutex
	m  map[string]*circuitState

	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg Config) *breaker {
	return &breaker{
		m:          map[string]*circuitState{},
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

// tripFor returns the effective threshold, or 0 when the breaker is bypassed.
func tripFor(cfg Config, opt Options) int {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return cfg.CircuitTripFailures
}

func (b *breaker) stateLocked(key string, now time.Time) *circuitState {
	st := b.m[key]
	if st == nil {
		st = &circuitState{}
		b.m[key] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.resetAfter {
		*st = circuitState{}
	}
	return st
}

func (b *breaker) isOpen(key string, now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(key, now)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(key string, trip int, now time.Time, err error) {
	if trip <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(key, now)
	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < trip {
		return
	}
	d := b.baseDelay
	for i := trip; i < st.fails && d < b.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, b.maxDelay))
}

func (b *breaker) counts(now time.Time) (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.m {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
