package units

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/spf13/afero"

	logx "taskhost/pkg/logx"
)

// ScriptExt is the file extension handled by ScriptLoader.
const ScriptExt = ".js"

// ScriptLoader resolves "*.js" references to script units.
//
// A script exposes its entry point either as a global `function run(input)` or as
// `module.exports = function (input) {...}`. Each invocation gets a fresh VM, so
// scripts never share state with each other or with the caller.
type ScriptLoader struct {
	fs  afero.Fs
	log logx.Logger

	mu    sync.Mutex
	cache map[string]compiled
}

type compiled struct {
	prog    *goja.Program
	modTime time.Time
}

func NewScriptLoader(fs afero.Fs, log logx.Logger) *ScriptLoader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ScriptLoader{fs: fs, log: log, cache: map[string]compiled{}}
}

func (l *ScriptLoader) Resolve(ref string) (Func, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasSuffix(strings.ToLower(ref), ScriptExt) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	p := path.Clean("/" + ref)
	prog, err := l.program(p)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, input any) (any, error) {
		return runProgram(ctx, p, prog, input)
	}, nil
}

func (l *ScriptLoader) program(p string) (*goja.Program, error) {
	st, err := l.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}

	l.mu.Lock()
	c, ok := l.cache[p]
	l.mu.Unlock()
	if ok && c.modTime.Equal(st.ModTime()) {
		return c.prog, nil
	}

	src, err := afero.ReadFile(l.fs, p)
	if err != nil {
		return nil, err
	}
	prog, err := goja.Compile(p, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, p, err)
	}
	l.mu.Lock()
	l.cache[p] = compiled{prog: prog, modTime: st.ModTime()}
	l.mu.Unlock()
	l.log.Debug("script compiled", logx.String("unit", p))
	return prog, nil
}

func runProgram(ctx context.Context, name string, prog *goja.Program, input any) (any, error) {
	vm := goja.New()
	module := vm.NewObject()
	_ = module.Set("exports", vm.NewObject())
	_ = vm.Set("module", module)
	_ = vm.Set("sleep", func(ms int64) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	})

	// Stop is forceful: interrupt the VM as soon as the context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, scriptError(ctx, err)
	}

	entry, ok := goja.AssertFunction(module.Get("exports"))
	if !ok {
		entry, ok = goja.AssertFunction(vm.Get("run"))
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: no run(input) entry point", ErrInvalid, name)
	}

	out, err := entry(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, scriptError(ctx, err)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, nil
	}
	return out.Export(), nil
}

func scriptError(ctx context.Context, err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New("script interrupted")
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if obj, ok := exc.Value().(*goja.Object); ok {
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				return errors.New(m.String())
			}
		}
		return errors.New(exc.Value().String())
	}
	return err
}
