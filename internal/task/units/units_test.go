package units

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	logx "taskhost/pkg/logx"
)

func writeScript(t *testing.T, fs afero.Fs, name, src string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, name, []byte(src), 0o644))
}

func TestRegistryRejectsDuplicatesAndResolves(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", Echo))
	require.ErrorIs(t, r.Register("a", Echo), ErrInvalid)
	require.ErrorIs(t, r.Register(" ", Echo), ErrInvalid)

	fn, err := r.Resolve("a")
	require.NoError(t, err)
	out, err := fn(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, "x", out)

	_, err = r.Resolve("missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, []string{"a"}, r.Names())
}

func TestChainFallsThroughNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeScript(t, fs, "/double.js", `function run(input) { return input.n * 2; }`)

	c := Chain{Builtins(), NewScriptLoader(fs, logx.Nop())}
	fn, err := c.Resolve("double.js")
	require.NoError(t, err)
	out, err := fn(context.Background(), map[string]any{"n": 21})
	require.NoError(t, err)
	require.EqualValues(t, 42, out)

	_, err = c.Resolve("nothing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScriptLoaderModuleExportsAndErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeScript(t, fs, "/stepA.js", `module.exports = function (input) { return Object.assign({}, input, {a: true}); };`)
	writeScript(t, fs, "/errorStep.js", `function run() { throw new Error("Simulated step error"); }`)
	writeScript(t, fs, "/broken.js", `function run( {`)
	writeScript(t, fs, "/noentry.js", `var x = 1;`)

	l := NewScriptLoader(fs, logx.Nop())

	fn, err := l.Resolve("stepA.js")
	require.NoError(t, err)
	out, err := fn(context.Background(), map[string]any{"x": 1})
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, m["a"])

	fn, err = l.Resolve("errorStep.js")
	require.NoError(t, err)
	_, err = fn(context.Background(), nil)
	require.EqualError(t, err, "Simulated step error")

	_, err = l.Resolve("broken.js")
	require.ErrorIs(t, err, ErrInvalid)

	fn, err = l.Resolve("noentry.js")
	require.NoError(t, err)
	_, err = fn(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = l.Resolve("missing.js")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScriptInterruptedOnCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeScript(t, fs, "/spin.js", `function run() { for (;;) {} }`)
	fn, err := NewScriptLoader(fs, logx.Nop()).Resolve("spin.js")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = fn(ctx, nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	_, err := Fail(ctx, map[string]any{"message": "boom"})
	require.EqualError(t, err, "boom")

	out, err := Merge(ctx, map[string]any{"x": 1, "set": map[string]any{"y": 2}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"x": 1, "y": 2}, out)

	_, err = Merge(ctx, "nope")
	require.Error(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Sleep(cctx, map[string]any{"ms": 1000.0})
	require.ErrorIs(t, err, context.Canceled)
}
