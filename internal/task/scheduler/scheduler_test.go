package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"taskhost/internal/eventbus"
	"taskhost/internal/storage"
	"taskhost/internal/task/runner"
	"taskhost/internal/task/units"
	logx "taskhost/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (r *recorder) AppendRun(_ context.Context, rec storage.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newTestService(t *testing.T, bus eventbus.Bus, history HistoryStore) *Service {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/echoUnit.js", []byte(`function run(input) { return {echo: input, ok: true}; }`), 0o644))

	reg := units.Builtins()
	reg.MustRegister("slow", func(ctx context.Context, _ any) (any, error) {
		select {
		case <-time.After(250 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	resolver := units.Chain{reg, units.NewScriptLoader(fs, logx.Nop())}
	s := New(Config{Enabled: true}, runner.NewFactory(resolver, logx.Nop(), bus, runner.Settings{}), history, logx.Nop(), bus)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestScheduledTaskFiresAndStops(t *testing.T) {
	bus := eventbus.New()
	executed, unsub := eventbus.SubscribeTopics(bus, 8, eventbus.SchedulerTaskExecuted)
	defer unsub()
	hist := &recorder{}
	s := newTestService(t, bus, hist)

	var (
		mu    sync.Mutex
		calls []runner.Outcome
	)
	require.NoError(t, s.Start("t1", "echoUnit.js", time.Second, func(o runner.Outcome) {
		mu.Lock()
		calls = append(calls, o)
		mu.Unlock()
	}))

	time.Sleep(1200 * time.Millisecond)

	mu.Lock()
	require.Len(t, calls, 1)
	require.Equal(t, runner.Completed, calls[0].Status)
	require.Equal(t, map[string]any{"echo": nil, "ok": true}, calls[0].Data)
	mu.Unlock()
	require.True(t, s.IsRunning("t1"))

	select {
	case e := <-executed:
		ev := e.Data.(TaskExecuted)
		require.Equal(t, "t1", ev.TaskName)
		require.Equal(t, "echoUnit.js", ev.Unit)
		require.Equal(t, runner.Completed, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no taskExecuted event")
	}
	require.Eventually(t, func() bool { return hist.len() == 1 }, time.Second, 10*time.Millisecond)

	require.True(t, s.Stop("t1"))
	require.False(t, s.IsRunning("t1"))
	require.False(t, s.IsAnyRunning())
	require.False(t, s.Stop("t1"))
}

func TestDuplicateNameKeepsSingleSchedule(t *testing.T) {
	bus := eventbus.New()
	errs, unsub := eventbus.SubscribeTopics(bus, 256, eventbus.SchedulerStartError)
	defer unsub()
	s := newTestService(t, bus, nil)

	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[a-z][a-z0-9_-]{0,15}`).Draw(rt, "name")
		s.StopAll()

		if err := s.Start(name, "echo", time.Hour, nil); err != nil {
			rt.Fatalf("first start: %v", err)
		}
		err := s.Start(name, "noop", time.Hour, nil)
		if !errors.Is(err, ErrDuplicateTask) {
			rt.Fatalf("second start: want ErrDuplicateTask, got %v", err)
		}
		if got := s.Names(); len(got) != 1 || got[0] != name {
			rt.Fatalf("names = %v", got)
		}
		snap := s.Snapshot()
		if snap.Tasks[0].Unit != "echo" {
			rt.Fatalf("original task replaced: %+v", snap.Tasks[0])
		}
		select {
		case e := <-errs:
			if e.Data.(TaskEvent).TaskName != name {
				rt.Fatalf("error event for %v", e.Data)
			}
		case <-time.After(time.Second):
			rt.Fatalf("no start error event")
		}
	})
}

func TestOverlappingTicksAreDropped(t *testing.T) {
	s := newTestService(t, nil, nil)

	var (
		mu    sync.Mutex
		calls int
	)
	require.NoError(t, s.Start("slow", "slow", 100*time.Millisecond, func(o runner.Outcome) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.Tasks) == 1 && snap.Tasks[0].Skipped > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	}, 2*time.Second, 20*time.Millisecond)

	snap := s.Snapshot().Tasks[0]
	mu.Lock()
	require.LessOrEqual(t, uint64(calls), snap.Executions)
	mu.Unlock()
	require.Equal(t, runner.Completed, snap.LastStatus)
}

func TestStopAllStopsEachTaskOnce(t *testing.T) {
	bus := eventbus.New()
	stopped, unsub := eventbus.SubscribeTopics(bus, 16, eventbus.SchedulerStopped)
	defer unsub()
	s := newTestService(t, bus, nil)

	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, s.Start(n, "noop", time.Hour, nil))
	}
	require.True(t, s.IsAnyRunning())
	require.Equal(t, 3, s.StopAll())
	require.False(t, s.IsAnyRunning())
	require.Equal(t, 0, s.StopAll())

	var names []string
	for len(names) < 3 {
		select {
		case e := <-stopped:
			names = append(names, e.Data.(TaskEvent).TaskName)
		case <-time.After(time.Second):
			t.Fatalf("stopped events: %v", names)
		}
	}
	require.Equal(t, []string{"a", "b", "c"}, names)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	s := newTestService(t, nil, nil)
	require.ErrorIs(t, s.Start("", "echo", time.Second, nil), ErrInvalidTask)
	require.ErrorIs(t, s.Start("x", "", time.Second, nil), ErrInvalidTask)
	require.ErrorIs(t, s.Start("x", "echo", 0, nil), ErrInvalidTask)
	require.ErrorIs(t, s.StartSpec("x", "echo", "bogus", nil), ErrInvalidTask)
	require.ErrorIs(t, s.StartDaily("x", "echo", "25:00", nil), ErrInvalidTask)
	require.False(t, s.IsAnyRunning())
}

func TestStartSpecCronAndSnapshot(t *testing.T) {
	s := newTestService(t, nil, nil)
	require.NoError(t, s.StartSpec("nightly", "noop", "0 3 * * *", nil))
	require.NoError(t, s.StartDaily("daily", "noop", "04:30", nil))
	require.NoError(t, s.StartSpec("every", "noop", "every:2h", nil))

	snap := s.Snapshot()
	require.True(t, snap.Enabled)
	require.Len(t, snap.Tasks, 3)
	for _, it := range snap.Tasks {
		require.False(t, it.Next.IsZero(), it.Name)
	}
	require.Equal(t, "30 4 * * *", snap.Tasks[0].Spec)
	require.Equal(t, "@every 2h0m0s", snap.Tasks[1].Spec)
	require.Equal(t, 3, snap.Tasks[2].Next.In(s.loc).Hour())
}

func TestApplyTimezoneKeepsTasks(t *testing.T) {
	s := newTestService(t, nil, nil)
	require.NoError(t, s.Start("a", "noop", time.Hour, nil))
	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	require.True(t, s.IsRunning("a"))
	require.Equal(t, "UTC", s.Snapshot().Timezone)
	require.False(t, s.Snapshot().Tasks[0].Next.IsZero())
}

func TestTickRacingStopDoesNotRunAfterStop(t *testing.T) {
	for range 50 {
		bus := eventbus.New()
		events, unsub := eventbus.SubscribeTopics(bus, 64, eventbus.SchedulerStopped, eventbus.SchedulerTaskExecuted)
		s := newTestService(t, bus, &recorder{})
		require.NoError(t, s.Start("race", "echo", time.Hour, nil))
		s.mu.Lock()
		tk := s.tasks["race"]
		s.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.tick(tk) }()
		go func() { defer wg.Done(); s.Stop("race") }()
		wg.Wait()
		time.Sleep(30 * time.Millisecond)
		unsub()

		var order []string
		for e := range events {
			order = append(order, e.Type)
		}
		require.NotEmpty(t, order)
		require.Equal(t, eventbus.SchedulerStopped, order[len(order)-1], "events: %v", order)
		require.Equal(t, runner.Idle, tk.runner.Status())
	}
}

func TestSnapshotDuringTimezoneChange(t *testing.T) {
	s := newTestService(t, nil, nil)
	require.NoError(t, s.Start("a", "noop", time.Hour, nil))
	require.NoError(t, s.Start("b", "noop", time.Hour, nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 20 {
			tz := "UTC"
			if i%2 == 0 {
				tz = "Local"
			}
			s.Apply(Config{Enabled: true, Timezone: tz})
		}
	}()
	for {
		select {
		case <-done:
			snap := s.Snapshot()
			require.Len(t, snap.Tasks, 2)
			for _, it := range snap.Tasks {
				require.False(t, it.Next.IsZero(), it.Name)
			}
			return
		default:
			require.Len(t, s.Snapshot().Tasks, 2)
		}
	}
}
