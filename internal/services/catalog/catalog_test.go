package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"taskhost/internal/eventbus"
	"taskhost/internal/registry"
	"taskhost/internal/services/caching"
	"taskhost/internal/services/filing"
	"taskhost/internal/services/queueing"
	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/runner"
	"taskhost/internal/task/scheduler"
	"taskhost/internal/task/workflow"
	logx "taskhost/pkg/logx"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(logx.Nop(), eventbus.New())
	require.NoError(t, Register(r, Env{}))
	require.NoError(t, r.SetDefault(Filing, "memory"))
	require.NoError(t, r.SetDefault(Data, "sqlite"))
	t.Cleanup(func() { r.Reset() })

	// configured defaults first; dependents reuse them
	_, err := r.Get(context.Background(), Data, "sqlite", registry.Options{
		Config: map[string]any{"path": filepath.Join(t.TempDir(), "history.db"), "busy_timeout": "2s"},
	})
	require.NoError(t, err)
	return r
}

func TestRegisteredProviders(t *testing.T) {
	r := registry.New(logx.Nop(), nil)
	require.NoError(t, Register(r, Env{}))
	require.Equal(t, []string{
		"caching/memory", "caching/redis",
		"dataservice/file", "dataservice/memory", "dataservice/sqlite",
		"filing/local", "filing/memory",
		"jobs/default",
		"logging/zerolog",
		"queueing/memory", "queueing/redis",
		"scheduling/default",
		"workflow/default",
		"working/default",
	}, r.Registered())
	require.Error(t, Register(r, Env{}))
}

func TestUnconfiguredDefaultsStayInMemory(t *testing.T) {
	t.Chdir(t.TempDir())
	r := registry.New(logx.Nop(), nil)
	require.NoError(t, Register(r, Env{}))
	for service, want := range map[string]string{Caching: "memory", Queueing: "memory", Filing: "memory", Data: "memory"} {
		got, _ := r.DefaultProvider(service)
		require.Equal(t, want, got, service)
	}

	ctx := context.Background()
	_, err := r.Get(ctx, Scheduling, "", registry.Options{})
	require.NoError(t, err)
	v, err := r.Get(ctx, Workflow, "", registry.Options{})
	require.NoError(t, err)
	wf := v.(*workflow.Service)
	require.NoError(t, wf.Define("w", []string{"echo"}))
	_, err = wf.Run(ctx, "w", map[string]any{"a": 1}, nil)
	require.NoError(t, err)

	st, err := r.Get(ctx, Data, "", registry.Options{})
	require.NoError(t, err)
	runs, err := st.(storage.Store).ListRuns(ctx, storage.RunQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	entries, err := os.ReadDir(".")
	require.NoError(t, err)
	require.Empty(t, entries)
	r.Reset()
}

func TestCachingInstancesAreIsolated(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	s1, err := r.Get(ctx, Caching, "memory", registry.Options{InstanceName: "s1"})
	require.NoError(t, err)
	s2, err := r.Get(ctx, Caching, "memory", registry.Options{InstanceName: "s2"})
	require.NoError(t, err)

	require.NoError(t, s1.(caching.Cache).Set(ctx, "k", []byte("v"), 0))
	_, ok, err := s2.(caching.Cache).Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	again, err := r.Get(ctx, Caching, "memory", registry.Options{InstanceName: "s1"})
	require.NoError(t, err)
	require.Same(t, s1, again)
}

func TestRedisProviders(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRegistry(t)
	ctx := context.Background()
	cfg := map[string]any{"addr": mr.Addr(), "prefix": "th:"}

	c, err := r.Get(ctx, Caching, "redis", registry.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, c.(caching.Cache).Set(ctx, "a", []byte("1"), time.Minute))
	require.True(t, mr.Exists("th:cache:a"))

	q, err := r.Get(ctx, Queueing, "redis", registry.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, q.(queueing.Queue).Push(ctx, "t", []byte("x")))
	n, err := q.(queueing.Queue).Len(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = r.Get(ctx, Caching, "redis", registry.Options{InstanceName: "noaddr"})
	require.Error(t, err)
	for _, in := range r.ListInstances(Caching) {
		require.NotEqual(t, "noaddr", in.Key.Instance)
	}
}

func TestWorkflowWiredWithDependencies(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	files, err := r.Get(ctx, Filing, "memory", registry.Options{})
	require.NoError(t, err)
	require.NoError(t, files.(*filing.Store).Write("scripts/tag.js", []byte(`function run(input) { input.tagged = true; return input; }`)))
	require.NoError(t, files.(*filing.Store).Write("flows.yaml", []byte("workflows:\n  fromfile: [echo]\n")))

	v, err := r.Get(ctx, Workflow, "", registry.Options{Config: map[string]any{
		"file":        "flows.yaml",
		"definitions": map[string]any{"w": []any{"tag.js", "merge"}},
	}})
	require.NoError(t, err)
	wf := v.(*workflow.Service)
	require.Len(t, wf.Definitions(), 2)

	out, err := wf.Run(ctx, "w", map[string]any{"x": 1, "set": map[string]any{"y": 2}}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": float64(1), "y": float64(2), "tagged": true}, out)

	// the injected sqlite store received the run
	store, err := r.Get(ctx, Data, "sqlite", registry.Options{})
	require.NoError(t, err)
	runs, err := store.(storage.Store).ListRuns(ctx, storage.RunQuery{Kind: storage.KindWorkflow})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "w", runs[0].Name)

	keys := r.ListServices()
	var services []string
	for _, k := range keys {
		services = append(services, k.Service)
	}
	require.Subset(t, services, []string{Logging, Filing, Data, Working, Queueing, Jobs, Workflow})
}

func TestDurableWorkflowUsesJobs(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.Get(ctx, Jobs, "", registry.Options{Config: map[string]any{"poll_wait": "20ms", "workers": 1}})
	require.NoError(t, err)
	v, err := r.Get(ctx, Workflow, "", registry.Options{InstanceName: "durable", Config: map[string]any{
		"durable":     true,
		"definitions": map[string]any{"w": []any{"echo", "fail"}},
	}})
	require.NoError(t, err)

	_, err = v.(*workflow.Service).Run(ctx, "w", map[string]any{"message": "nope"}, nil)
	var serr *workflow.StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 1, serr.StepIndex)
	require.Equal(t, "nope", serr.Message)

	jobs, err := r.Get(ctx, Jobs, "", registry.Options{})
	require.NoError(t, err)
	snap := jobs.(*engine.Service).Snapshot()
	require.Contains(t, snap.Topics, workflow.StepsTopic)
	require.Len(t, snap.History, 2)
}

func TestSchedulingProvider(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	v, err := r.Get(ctx, Scheduling, "", registry.Options{Config: map[string]any{"timezone": "UTC"}})
	require.NoError(t, err)
	s := v.(*scheduler.Service)

	done := make(chan runner.Outcome, 1)
	require.NoError(t, s.Start("t", "echo", 50*time.Millisecond, func(o runner.Outcome) {
		select {
		case done <- o:
		default:
		}
	}))
	select {
	case o := <-done:
		require.Equal(t, runner.Completed, o.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task never ran")
	}
	require.Equal(t, "UTC", s.Snapshot().Timezone)

	require.Equal(t, 1, r.ResetService(Scheduling))
	require.False(t, s.IsAnyRunning())
}

func TestJobsConfig(t *testing.T) {
	cfg, err := JobsConfig(map[string]any{"topics": []any{"a"}, "default_timeout": "3s", "retry_max": 1})
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.Equal(t, []string{"a", workflow.StepsTopic}, cfg.Topics)
	require.Equal(t, 3*time.Second, cfg.DefaultTimeout)

	_, err = JobsConfig(map[string]any{"poll_wait": "soon"})
	require.Error(t, err)
}
