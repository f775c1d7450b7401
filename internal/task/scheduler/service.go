package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskhost/internal/eventbus"
	"taskhost/internal/task/runner"
	logx "taskhost/pkg/logx"
)

// New creates a scheduler. runners supplies the dedicated runner of each task;
// history may be nil.
func New(cfg Config, runners *runner.Factory, history HistoryStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if runners == nil {
		runners = runner.NewFactory(nil, log, bus, runner.Settings{})
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		runners: runners,
		history: history,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cronParser,
		tasks:    map[string]*task{},
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		// restart cron with new location and re-register tasks
		s.restartLocked()
	}
}

// ensureCronLocked starts the trigger loop on first use. Call with s.mu held.
func (s *Service) ensureCronLocked() {
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.c.Start()
	s.log.Debug("trigger loop started", logx.String("tz", loc.String()))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, t := range s.tasks {
		s.addEntryLocked(t)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("tasks", len(s.tasks)))
}

// Shutdown stops every task and the trigger loop.
// Running ticks are stopped forcefully; ctx bounds the wait for the loop to exit.
func (s *Service) Shutdown(ctx context.Context) {
	start := time.Now()
	n := s.StopAll()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Int("tasks", n), logx.Duration("took", time.Since(start)))
}

// Close is Shutdown bounded to five seconds.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown(ctx)
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
