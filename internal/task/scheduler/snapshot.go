package scheduler

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"taskhost/internal/task/runner"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	type entry struct {
		t  *task
		id cron.EntryID
	}
	// entryID is rewritten under s.mu when the cron loop restarts.
	tasks := make([]entry, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, entry{t: t, id: t.entryID})
	}
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]TaskInfo, 0, len(tasks))
	for _, te := range tasks {
		t := te.t
		it := TaskInfo{
			Name:       t.name,
			Unit:       t.unit,
			Spec:       t.spec,
			Spread:     t.spread,
			Busy:       t.runner.Status() == runner.Running,
			Executions: t.executions.Load(),
			Skipped:    t.skipped.Load(),
			Failures:   t.failures.Load(),
		}
		t.mu.Lock()
		it.LastStatus = t.lastStatus
		it.LastRun = t.lastRun
		it.LastError = t.lastErr
		t.mu.Unlock()
		if c != nil && te.id != 0 {
			e := c.Entry(te.id)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return Snapshot{Enabled: enabled, Timezone: tz, Tasks: items}
}
