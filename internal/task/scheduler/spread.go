package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// fixedInterval fires exactly every d after the previous activation.
// Unlike cron.Every it keeps sub-second precision and does not align to whole seconds.
type fixedInterval struct {
	every time.Duration
}

func (f fixedInterval) Next(t time.Time) time.Time { return t.Add(f.every) }

// startupSpreadSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule returns a fixed-interval schedule, optionally delaying the first
// activation by a random jitter in [0, min(every, 30s)).
func intervalSchedule(every time.Duration, now time.Time, spread bool) (cron.Schedule, time.Duration) {
	base := fixedInterval{every: every}
	spreadMax := min(every, maxStartupSpread)
	if !spread || spreadMax <= 0 {
		return base, 0
	}
	jitter := rand.N(spreadMax)
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
