package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"taskhost/internal/eventbus"
	"taskhost/internal/services/queueing"
	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/runner"
	"taskhost/internal/task/units"
	logx "taskhost/pkg/logx"
)

func setFlag(flag string) units.Func {
	return func(_ context.Context, input any) (any, error) {
		m, _ := input.(map[string]any)
		out := map[string]any{}
		for k, v := range m {
			out[k] = v
		}
		out[flag] = true
		return out, nil
	}
}

func testUnits() *units.Registry {
	reg := units.Builtins()
	reg.MustRegister("stepA", setFlag("a"))
	reg.MustRegister("stepB", setFlag("b"))
	reg.MustRegister("errorStep", func(context.Context, any) (any, error) {
		return nil, errors.New("Simulated step error")
	})
	return reg
}

type updates struct {
	mu  sync.Mutex
	got []Update
}

func (u *updates) cb(up Update) {
	u.mu.Lock()
	u.got = append(u.got, up)
	u.mu.Unlock()
}

func (u *updates) statuses() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.got))
	for _, up := range u.got {
		out = append(out, up.Status)
	}
	return out
}

type memHistory struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (h *memHistory) AppendRun(_ context.Context, rec storage.RunRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, rec)
	return nil
}

func newTestService(reg units.Resolver, bus eventbus.Bus, hist HistoryStore) *Service {
	return New(runner.NewFactory(reg, logx.Nop(), bus, runner.Settings{}), nil, hist, logx.Nop(), bus)
}

func TestRunChainsStepOutputs(t *testing.T) {
	bus := eventbus.New()
	events, unsub := eventbus.SubscribeTopics(bus, 16, eventbus.WorkflowStepCompleted, eventbus.WorkflowCompleted)
	defer unsub()
	hist := &memHistory{}
	s := newTestService(testUnits(), bus, hist)
	require.NoError(t, s.Define("w", []string{"stepA", "stepB"}))

	var ups updates
	out, err := s.Run(context.Background(), "w", map[string]any{"x": 1}, ups.cb)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": float64(1), "a": true, "b": true}, out)
	require.Equal(t, []string{StatusStepCompleted, StatusStepCompleted, StatusCompleted}, ups.statuses())
	require.Equal(t, map[string]any{"x": float64(1), "a": true}, ups.got[0].Data)
	require.Equal(t, 1, ups.got[1].StepIndex)
	require.Equal(t, out, ups.got[2].Data)
	require.Equal(t, 1, ups.got[2].StepIndex)

	var types []string
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events: %v", types)
		}
	}
	require.Equal(t, []string{eventbus.WorkflowStepCompleted, eventbus.WorkflowStepCompleted, eventbus.WorkflowCompleted}, types)

	require.Len(t, hist.runs, 1)
	require.Equal(t, storage.KindWorkflow, hist.runs[0].Kind)
	require.Equal(t, "completed", hist.runs[0].Status)
	require.Equal(t, ups.got[0].RunID, hist.runs[0].ID)
}

func TestRunStopsAtFailingStep(t *testing.T) {
	bus := eventbus.New()
	failed, unsub := eventbus.SubscribeTopics(bus, 4, eventbus.WorkflowFailed)
	defer unsub()
	s := newTestService(testUnits(), bus, nil)
	require.NoError(t, s.Define("w2", []string{"stepA", "errorStep"}))

	var ups updates
	out, err := s.Run(context.Background(), "w2", map[string]any{}, ups.cb)
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrStepFailed)
	require.ErrorIs(t, err, runner.ErrUnitExecution)

	var serr *StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 1, serr.StepIndex)
	require.Equal(t, "Simulated step error", serr.Message)
	require.Equal(t, "errorStep", serr.Unit)

	require.Equal(t, []string{StatusStepCompleted, StatusError}, ups.statuses())
	require.NotContains(t, ups.statuses(), StatusCompleted)

	select {
	case e := <-failed:
		require.Equal(t, 1, e.Data.(RunEvent).StepIndex)
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}
}

func TestRunUnknownWorkflow(t *testing.T) {
	bus := eventbus.New()
	errs, unsub := eventbus.SubscribeTopics(bus, 1, eventbus.WorkflowRunError)
	defer unsub()
	s := newTestService(testUnits(), bus, nil)

	called := false
	_, err := s.Run(context.Background(), "nope", nil, func(Update) { called = true })
	require.ErrorIs(t, err, ErrWorkflowNotFound)
	require.False(t, called)
	select {
	case e := <-errs:
		require.Equal(t, "nope", e.Data.(RunEvent).Workflow)
	case <-time.After(time.Second):
		t.Fatal("no run error event")
	}
}

func TestRunMissingUnitIsStepError(t *testing.T) {
	s := newTestService(testUnits(), nil, nil)
	require.NoError(t, s.Define("w", []string{"echo", "ghost"}))
	_, err := s.Run(context.Background(), "w", "hi", nil)
	require.ErrorIs(t, err, runner.ErrUnitLoad)
	var serr *StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 1, serr.StepIndex)
}

func TestRunCancelStopsStep(t *testing.T) {
	s := newTestService(testUnits(), nil, nil)
	require.NoError(t, s.Define("slow", []string{"sleep", "stepA"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Run(ctx, "slow", map[string]any{"ms": 5000}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrStepFailed)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestDefineOverwritesAndValidates(t *testing.T) {
	s := newTestService(testUnits(), nil, nil)
	require.NoError(t, s.Define("w", []string{"stepA"}))
	require.NoError(t, s.Define("w", []string{"stepB"}))
	d, ok := s.Definition("w")
	require.True(t, ok)
	require.Equal(t, []string{"stepB"}, d.Steps)

	require.ErrorIs(t, s.Define(" ", nil), ErrInvalidDefinition)
	require.ErrorIs(t, s.Define("x", []string{"a", ""}), ErrInvalidDefinition)

	out, err := s.Run(context.Background(), "w", map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"b": true}, out)

	require.True(t, s.Remove("w"))
	require.Empty(t, s.Definitions())
}

func TestLoadDefinitions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/workflows.yaml", []byte(`
workflows:
  w: [stepA, stepB]
  single:
    - echo
`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/etc/bad.yaml", []byte("workflows:\n  w: [stepA, '']\n"), 0o644))

	s := newTestService(testUnits(), nil, nil)
	names, err := s.LoadDefinitions(fs, "/etc/workflows.yaml")
	require.NoError(t, err)
	require.Equal(t, []string{"single", "w"}, names)
	require.Equal(t, []Definition{{Name: "single", Steps: []string{"echo"}}, {Name: "w", Steps: []string{"stepA", "stepB"}}}, s.Definitions())

	_, err = s.LoadDefinitions(fs, "/etc/bad.yaml")
	require.ErrorIs(t, err, ErrInvalidDefinition)
	_, err = s.LoadDefinitions(fs, "/etc/missing.yaml")
	require.Error(t, err)
}

func TestScriptSteps(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/double.js", []byte(`function run(input) { return {n: input.n * 2}; }`), 0o644))
	resolver := units.Chain{testUnits(), units.NewScriptLoader(fs, logx.Nop())}
	s := newTestService(resolver, nil, nil)
	require.NoError(t, s.Define("math", []string{"double.js", "double.js", "stepA"}))

	out, err := s.Run(context.Background(), "math", map[string]any{"n": 3}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": float64(12), "a": true}, out)
}

func TestFailingStepSkipsTheRest(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "steps")
		k := rapid.IntRange(0, n-1).Draw(rt, "failAt")

		calls := make([]atomic.Int32, n)
		reg := units.NewRegistry()
		steps := make([]string, n)
		for i := range steps {
			i := i
			steps[i] = fmt.Sprintf("s%d", i)
			reg.MustRegister(steps[i], func(_ context.Context, in any) (any, error) {
				calls[i].Add(1)
				if i == k {
					return nil, fmt.Errorf("boom at %d", i)
				}
				return in, nil
			})
		}
		s := newTestService(reg, nil, nil)
		if err := s.Define("p", steps); err != nil {
			rt.Fatalf("define: %v", err)
		}

		_, err := s.Run(context.Background(), "p", "x", nil)
		var serr *StepError
		if !errors.As(err, &serr) || serr.StepIndex != k {
			rt.Fatalf("want step error at %d, got %v", k, err)
		}
		for i := range calls {
			want := int32(0)
			if i <= k {
				want = 1
			}
			if got := calls[i].Load(); got != want {
				rt.Fatalf("step %d ran %d times, want %d", i, got, want)
			}
		}
	})
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	s := newTestService(testUnits(), nil, nil)
	require.NoError(t, s.Define("w", []string{"sleep", "stepA"}))

	const runs = 4
	var wg sync.WaitGroup
	results := make([]any, runs)
	errs := make([]error, runs)
	start := time.Now()
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Run(context.Background(), "w", map[string]any{"ms": 150, "i": i}, nil)
		}(i)
	}
	wg.Wait()
	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, map[string]any{"ms": float64(150), "i": float64(i), "a": true}, results[i])
	}
	// Runs proceed in parallel, not one after another.
	require.Less(t, time.Since(start), 150*runs*time.Millisecond)
}

func TestStepsThroughJobsEngine(t *testing.T) {
	q := queueing.NewMemory(0)
	defer q.Close()
	runners := runner.NewFactory(testUnits(), logx.Nop(), nil, runner.Settings{})
	jobs := engine.New(engine.Config{
		Enabled:  true,
		Topics:   []string{engine.DefaultTopic, StepsTopic},
		PollWait: 20 * time.Millisecond,
	}, q, runners, nil, logx.Nop(), nil)
	jobs.Start(context.Background())
	defer jobs.Stop(context.Background())

	s := New(runners, jobs, nil, logx.Nop(), nil)
	require.NoError(t, s.Define("w", []string{"stepA", "stepB"}))
	out, err := s.Run(context.Background(), "w", map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": float64(1), "a": true, "b": true}, out)

	require.NoError(t, s.Define("w2", []string{"stepA", "errorStep"}))
	_, err = s.Run(context.Background(), "w2", map[string]any{}, nil)
	var serr *StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 1, serr.StepIndex)
	require.Equal(t, "Simulated step error", serr.Message)
}
