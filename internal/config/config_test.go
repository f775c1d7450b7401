package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "taskhost/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
runner:
  scripts_dir: scripts
  timeout: 30s
scheduler:
  enabled: true
  timezone: UTC
  tasks:
    - name: heartbeat
      unit: echo
      every: 1m
    - name: nightly
      unit: report.js
      schedule: "0 3 * * *"
workflows:
  definitions:
    enrich: [echo, merge]
engine:
  workers: 4
  retry_max: 1
services:
  dataservice:
    provider: sqlite
    config:
      path: ./data/history.db
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("taskhost.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Scheduler.Tasks, 2)
	require.Equal(t, "0 3 * * *", cfg.Scheduler.Tasks[1].Schedule)
	require.Equal(t, []string{"echo", "merge"}, cfg.Workflows.Definitions["enrich"])
	require.Equal(t, 4, cfg.Engine.Workers)
	require.Equal(t, "sqlite", cfg.Services["dataservice"].Provider)
	require.Equal(t, "./data/history.db", cfg.Services["dataservice"].Config["path"])
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]struct {
		name, body string
	}{
		"unknown field":  {"c.json", `{"logging":{"level":"info"},"telegram":{}}`},
		"trailing data":  {"c.json", `{} {}`},
		"bad duration":   {"c.json", `{"runner":{"timeout":"soon"}}`},
		"both triggers":  {"c.json", `{"scheduler":{"tasks":[{"name":"a","unit":"echo","every":"1s","schedule":"@daily"}]}}`},
		"no trigger":     {"c.json", `{"scheduler":{"tasks":[{"name":"a","unit":"echo"}]}}`},
		"duplicate task": {"c.json", `{"scheduler":{"tasks":[{"name":"a","unit":"echo","every":"1s"},{"name":"a","unit":"echo","every":"2s"}]}}`},
		"empty step":     {"c.yml", "workflows:\n  definitions:\n    w: [echo, ' ']\n"},
		"no provider":    {"c.json", `{"services":{"caching":{"config":{}}}}`},
		"bad yaml":       {"c.yaml", "logging: [\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.name, []byte(tc.body))
			require.Error(t, err)
		})
	}
	_, err := Decode("c.json", []byte(`{"runner":{"timeout":"soon"}}`))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("b.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, tasks := SummarizeConfigChange(oldCfg, newCfg)
	require.Empty(t, changed)
	require.Empty(t, tasks)

	newCfg.Logging.Level = "info"
	newCfg.Scheduler.Tasks[0].Every = "2m"
	newCfg.Scheduler.Tasks = append(newCfg.Scheduler.Tasks[:1], TaskConfig{Name: "fresh", Unit: "noop", Every: "5s"})
	newCfg.Services["caching"] = ServiceConfig{Provider: "redis", Config: map[string]any{"password": "secret"}}

	changed, attrs, tasks := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"logging", "scheduler", "services"}, changed)
	require.Equal(t, []string{"fresh", "heartbeat", "nightly"}, tasks)
	require.NotEmpty(t, attrs)

	changed, _, _ = SummarizeConfigChange(nil, &Config{Engine: &EngineConfig{}})
	require.Equal(t, []string{"engine"}, changed)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskhost.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.False(t, ok, "unchanged content is not republished")

	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Logging.Level == "trace" {
			return errors.New("no tracing")
		}
		return nil
	})
	writeFile(t, path, `{"logging":{"level":"trace"}}`)
	_, err = m.Reload(context.Background())
	require.ErrorContains(t, err, "no tracing")
	require.Equal(t, "info", m.Get().Logging.Level)

	writeFile(t, path, `{"logging":{"level":"warn"}}`)
	ok, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "warn", (<-ch).Logging.Level)
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json", logx.Nop())
	ch := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "a"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "b"}})
	require.Equal(t, "b", (<-ch).Logging.Level)
	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}

func TestManagerWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskhost.yaml")
	writeFile(t, path, "logging:\n  level: info\n")
	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// give the watcher time to register the directory
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	writes := 0
	for got := false; !got; {
		select {
		case c := <-ch:
			require.Equal(t, "debug", c.Logging.Level)
			got = true
		case <-tick.C:
			if writes < 3 {
				writes++
				writeFile(t, path, "logging:\n  level: debug\n")
			}
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
	cancel()
	require.NoError(t, <-done)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationField("x", " ")
	require.NoError(t, err)
	require.Zero(t, d)
	d, err = ParseDurationField("x", "250ms")
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)
	_, err = ParseDurationField("x", "-1s")
	require.ErrorContains(t, err, "negative")
	_, err = ParseDurationField("x", "soon")
	require.ErrorContains(t, err, "x: invalid duration")
}
