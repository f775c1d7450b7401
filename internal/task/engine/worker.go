package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/bytedance/sonic"

	"taskhost/internal/eventbus"
	"taskhost/internal/services/queueing"
	"taskhost/internal/storage"
	"taskhost/internal/task/runner"
	logx "taskhost/pkg/logx"
)

func (s *Service) worker(ctx context.Context, topic string, idx int) error {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for ctx.Err() == nil {
		s.mu.Lock()
		wait := s.cfg.PollWait
		s.mu.Unlock()

		payload, err := s.queue.Pop(ctx, topic, wait)
		switch {
		case err == nil:
		case errors.Is(err, queueing.ErrEmpty):
			continue
		case errors.Is(err, queueing.ErrClosed):
			s.log.Debug("queue closed, worker exiting", logx.String("topic", topic), logx.Int("worker", idx))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.warnPop.Do(func() {
				s.log.Warn("queue pop failed", logx.String("topic", topic), logx.Err(err))
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		var env envelope
		if err := sonic.Unmarshal(payload, &env); err != nil || env.ID == "" || env.Unit == "" {
			s.dropped.Add(1)
			s.log.Warn("dropping malformed job envelope", logx.String("topic", topic), logx.Int("bytes", len(payload)))
			continue
		}

		s.inFlight.Add(1)
		s.execOne(ctx, env, rng)
		s.inFlight.Add(-1)
	}
	return ctx.Err()
}

func (s *Service) execOne(ctx context.Context, env envelope, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(env.EnqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.pmu.Lock()
	if _, gone := s.abandoned[env.ID]; gone {
		delete(s.abandoned, env.ID)
		s.pmu.Unlock()
		s.dropped.Add(1)
		s.log.Debug("job dropped: already failed by stop", logx.String("unit", env.Unit), logx.String("id", env.ID))
		return
	}
	p := s.pending[env.ID]
	canceled := p != nil && p.canceled
	if p != nil {
		p.cancel = cancel
	}
	s.pmu.Unlock()

	result := Result{ID: env.ID, Unit: env.Unit, Status: runner.Error}
	switch {
	case canceled:
		result.Err = ErrCanceled
		s.finish(cfg, env, p, result, start, queueDelay)
		return
	case cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay:
		s.dropped.Add(1)
		s.droppedStale.Add(1)
		s.warnStale.Do(func() {
			s.log.Warn("job dropped: stale queue", logx.String("unit", env.Unit), logx.String("id", env.ID),
				logx.Duration("queue_delay", queueDelay), logx.Uint64("dropped_stale", s.droppedStale.Load()))
		})
		result.Err = ErrStaleJob
		s.finish(cfg, env, p, result, start, queueDelay)
		return
	}

	var input any
	if len(env.Input) > 0 {
		if err := sonic.Unmarshal(env.Input, &input); err != nil {
			result.Err = errors.Join(runner.ErrInvalidInput, err)
			s.finish(cfg, env, p, result, start, queueDelay)
			return
		}
	}

	s.log.Debug("job started", logx.String("unit", env.Unit), logx.String("id", env.ID), logx.Duration("queue_delay", queueDelay))
	eventbus.Emit(s.bus, eventbus.JobStarted, JobEvent{ID: env.ID, Unit: env.Unit, Started: start, QueueDelay: queueDelay})

	maxAttempts := 1 + env.Opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		runCtx, runCancel := jobCtx, context.CancelFunc(func() {})
		if env.Timeout > 0 {
			runCtx, runCancel = context.WithTimeout(jobCtx, env.Timeout)
		}
		r := s.runners.New("job:" + env.ID)
		out, err := r.Run(runCtx, env.Unit, input)
		runCancel()

		if err == nil && out.Err == nil {
			result.Status, result.Data, result.Err = runner.Completed, out.Data, nil
			break
		}
		if err == nil {
			err = out.Err
		}
		result.Err = err
		if jobCtx.Err() != nil {
			if ctx.Err() != nil {
				result.Err = ErrStopped
			} else {
				result.Err = ErrCanceled
			}
			break
		}
		// missing units do not get better by retrying
		if errors.Is(err, runner.ErrUnitLoad) || errors.Is(err, runner.ErrInvalidInput) || attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(env.Opt, attempt, rng)
		s.log.Debug("job retry scheduled", logx.String("unit", env.Unit), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-jobCtx.Done():
			result.Err = ErrCanceled
			if ctx.Err() != nil {
				result.Err = ErrStopped
			}
			break attemptLoop
		case <-time.After(delay):
		}
	}

	if trip := tripFor(cfg, env.Opt); trip > 0 {
		s.circuits.record(env.Unit, trip, time.Now(), result.Err)
	}
	s.finish(cfg, env, p, result, start, queueDelay)
}

// finish publishes, records and delivers a job's final result.
func (s *Service) finish(cfg Config, env envelope, p *pendingJob, result Result, start time.Time, queueDelay time.Duration) {
	dur := time.Since(start)
	ev := JobEvent{ID: env.ID, Unit: env.Unit, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: result.Attempts}
	item := HistoryItem{ID: env.ID, Unit: env.Unit, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: result.Attempts}

	switch {
	case result.Err == nil:
		if dur >= 750*time.Millisecond {
			s.log.Info("job completed", logx.String("unit", env.Unit), logx.Duration("dur", dur), logx.Int("attempts", result.Attempts))
		} else {
			s.log.Debug("job completed", logx.String("unit", env.Unit), logx.Duration("dur", dur), logx.Int("attempts", result.Attempts))
		}
		eventbus.Emit(s.bus, eventbus.JobFinished, ev)
	case result.Attempts == 0:
		ev.Error = result.Err.Error()
		item.Error = ev.Error
		eventbus.Emit(s.bus, eventbus.JobSkipped, ev)
	default:
		ev.Error = result.Err.Error()
		item.Error = ev.Error
		s.log.Warn("job failed", logx.String("unit", env.Unit), logx.String("id", env.ID), logx.Err(result.Err),
			logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", result.Attempts))
		eventbus.Emit(s.bus, eventbus.JobFailed, ev)
	}
	s.remember(cfg, item)
	s.record(env, result, start, dur)

	s.pmu.Lock()
	if p != nil && s.pending[env.ID] == p {
		delete(s.pending, env.ID)
	}
	s.pmu.Unlock()
	if p != nil {
		if p.state != nil {
			p.state.release()
		}
		s.deliver(p, result)
	}
}

func (s *Service) record(env envelope, result Result, start time.Time, dur time.Duration) {
	if s.store == nil {
		return
	}
	rec := storage.RunRecord{
		At:     start,
		ID:     env.ID,
		Kind:   storage.KindJob,
		Name:   env.Unit,
		Unit:   env.Unit,
		Status: string(result.Status),
		Step:   result.Attempts,
		TookMS: dur.Milliseconds(),
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	if result.Data != nil {
		if b, err := sonic.MarshalString(result.Data); err == nil {
			rec.DataJSON = b
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendRun(ctx, rec); err != nil {
		s.log.Debug("record job history failed", logx.String("id", env.ID), logx.Err(err))
	}
}

func backoffDelay(opt Options, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
