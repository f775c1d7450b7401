package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").Named("jobs").With(String("topic", "default"))

	log.Debug("hidden")
	log.Info("job done", Int("attempt", 2), Err(errors.New("boom")), Err(nil), Stack(" "))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	l := lines[0]
	require.Equal(t, "job done", l["message"])
	require.Equal(t, "jobs", l["comp"])
	require.Equal(t, "default", l["topic"])
	require.EqualValues(t, 2, l["attempt"])
	require.Equal(t, "boom", l["err"])
	require.NotContains(t, l, "stack")
	require.Contains(t, l["caller"], "logx_test.go:")
}

func TestLaterFieldWins(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "debug").With(String("k", "a")).Debug("x", String("k", "b"))
	require.Contains(t, buf.String(), `"k":"b"`)
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("dropped")
	require.False(t, Nop().IsZero())
	require.False(t, Nop().Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelWarn, ParseLevel(" Warning ", LevelInfo))
	require.Equal(t, LevelTrace, ParseLevel("TRACE", LevelInfo))
	require.Equal(t, LevelInfo, ParseLevel("loud", LevelInfo))
}

func TestServiceApplyFollowsLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskhost.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })
	named := log.Named("app")

	named.Info("before")
	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	require.True(t, named.Enabled(LevelDebug))
	require.Equal(t, "debug", svc.Config().Level)
	named.Info("after")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 1)
	require.Equal(t, "after", lines[0]["message"])
	require.Equal(t, "app", lines[0]["comp"])
}

func TestServiceApplyReportsBadFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	svc, log := New(Config{Level: "info"})
	err := svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	require.Error(t, err)
	require.False(t, log.Enabled(LevelInfo))
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Hour)
	n := 0
	for range 5 {
		th.Do(func() { n++ })
	}
	require.Equal(t, 1, n)

	var nilThrottle *Throttle
	nilThrottle.Do(func() { n++ })
	require.Equal(t, 2, n)
}
