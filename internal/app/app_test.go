package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskhost/internal/config"
	"taskhost/internal/services/catalog"
	"taskhost/internal/storage"
	"taskhost/internal/task/units"
	"taskhost/internal/task/workflow"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "taskhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func baseConfig(dir string) string {
	return fmt.Sprintf(`
logging:
  level: warn
services:
  filing:
    provider: memory
  dataservice:
    provider: file
    config:
      path: %s
scheduler:
  enabled: true
  tasks:
    - name: beat
      unit: echo
      every: 40ms
workflows:
  definitions:
    enrich: [echo, merge]
engine:
  poll_wait: 20ms
  workers: 1
`, filepath.Join(dir, "history.jsonl"))
}

func newTestApp(t *testing.T, body string, opts ...Option) *App {
	t.Helper()
	dir := t.TempDir()
	if body == "" {
		body = baseConfig(dir)
	}
	a, err := New(writeConfig(t, dir, body), append([]Option{WithoutWatch()}, opts...)...)
	require.NoError(t, err)
	return a
}

func waitRuns(t *testing.T, st storage.Store, q storage.RunQuery, n int) []storage.RunRecord {
	t.Helper()
	var runs []storage.RunRecord
	require.Eventually(t, func() bool {
		var err error
		runs, err = st.ListRuns(context.Background(), q)
		return err == nil && len(runs) >= n
	}, 3*time.Second, 20*time.Millisecond)
	return runs
}

func TestAppRunsScheduledTasksAndWorkflows(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	runs := waitRuns(t, a.Store(), storage.RunQuery{Kind: storage.KindSchedule, Name: "beat"}, 2)
	require.Equal(t, "echo", runs[0].Unit)

	out, err := a.RunWorkflow(ctx, "enrich", map[string]any{"a": 1, "set": map[string]any{"b": true}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": float64(1), "b": true}, out)
	waitRuns(t, a.Store(), storage.RunQuery{Kind: storage.KindWorkflow, Name: "enrich"}, 1)

	_, err = a.RunWorkflow(ctx, "missing", nil)
	require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

	var services []string
	for _, k := range a.Registry().ListServices() {
		services = append(services, k.Service)
	}
	require.Subset(t, services, []string{catalog.Filing, catalog.Data, catalog.Working, catalog.Jobs, catalog.Scheduling, catalog.Workflow})

	require.NoError(t, a.Stop(ctx, StopManual))
	require.Empty(t, a.Registry().ListServices())
	require.False(t, a.Scheduler().IsAnyRunning())
}

func TestAppApplyReconcilesTasksAndWorkflows(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx, StopManual)
	require.Equal(t, []string{"beat"}, a.Scheduler().Names())

	next := *a.cfgm.Get()
	next.Scheduler.Tasks = []config.TaskConfig{{Name: "tock", Unit: "noop", Schedule: "@every 1h"}}
	next.Workflows = config.WorkflowsConfig{Definitions: map[string][]string{"other": {"noop"}}}
	next.Engine = &config.EngineConfig{PollWait: "20ms", Workers: 2}
	a.Apply(ctx, &next)

	require.Equal(t, []string{"tock"}, a.Scheduler().Names())
	_, ok := a.Workflows().Definition("enrich")
	require.False(t, ok)
	_, ok = a.Workflows().Definition("other")
	require.True(t, ok)
	require.Equal(t, 2, a.Jobs().Snapshot().Workers)

	disabled := next
	disabled.Scheduler.Enabled = false
	a.Apply(ctx, &disabled)
	require.Empty(t, a.Scheduler().Names())
}

func TestAppCustomUnits(t *testing.T) {
	u := units.Builtins()
	u.MustRegister("double", func(_ context.Context, in any) (any, error) {
		return in.(float64) * 2, nil
	})
	a := newTestApp(t, "", WithUnits(u))
	defer a.Stop(context.Background(), StopManual)
	require.NoError(t, a.Workflows().Define("twice", []string{"double", "double"}))

	out, err := a.RunWorkflow(context.Background(), "twice", 3)
	require.NoError(t, err)
	require.Equal(t, float64(12), out)
}

func TestAppRejectsBadServices(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown provider": "services:\n  caching:\n    provider: memcached\n",
		"not configurable": "services:\n  workflow:\n    provider: default\n",
		"sqlite no path":   "services:\n  dataservice:\n    provider: sqlite\n",
		"redis no addr":    "services:\n  queueing:\n    provider: redis\n",
		"bad timezone":     "scheduler:\n  timezone: Mars/Olympus\n",
		"bad schedule":     "scheduler:\n  tasks:\n    - {name: x, unit: echo, schedule: \"not a cron\"}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(writeConfig(t, dir, body), WithoutWatch())
			require.Error(t, err)
		})
	}
}
