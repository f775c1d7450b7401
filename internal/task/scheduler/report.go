package scheduler

import (
	"errors"
	"time"

	"taskhost/internal/task/runner"
	logx "taskhost/pkg/logx"
)

const tickWarnThrottle = 5 * time.Second

func (s *Service) reportTickError(name string, err error) {
	if err == nil {
		return
	}
	// Overlapping ticks are dropped during normal operation.
	if errors.Is(err, runner.ErrAlreadyRunning) {
		s.log.Debug("tick skipped, previous run still active", logx.String("task", name))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < tickWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("tick failed", logx.String("task", name), logx.Err(err))
}
