package units

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Builtins returns a registry preloaded with the built-in units:
//
//	echo   returns its input unchanged
//	noop   returns nil
//	fail   fails with input["message"] (or a default message)
//	sleep  waits input["ms"] milliseconds, then echoes its input
//	merge  returns input merged with input["set"] (map inputs only)
func Builtins() *Registry {
	r := NewRegistry()
	r.MustRegister("echo", Echo)
	r.MustRegister("noop", func(context.Context, any) (any, error) { return nil, nil })
	r.MustRegister("fail", Fail)
	r.MustRegister("sleep", Sleep)
	r.MustRegister("merge", Merge)
	return r
}

func Echo(_ context.Context, input any) (any, error) { return input, nil }

func Fail(_ context.Context, input any) (any, error) {
	if m, ok := input.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
	}
	return nil, errors.New("unit failed")
}

func Sleep(ctx context.Context, input any) (any, error) {
	ms := 0.0
	if m, ok := input.(map[string]any); ok {
		switch v := m["ms"].(type) {
		case float64:
			ms = v
		case int64:
			ms = float64(v)
		case int:
			ms = float64(v)
		}
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return input, nil
	}
}

func Merge(_ context.Context, input any) (any, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("merge: input must be an object, got %T", input)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "set" {
			continue
		}
		out[k] = v
	}
	if set, ok := m["set"].(map[string]any); ok {
		for k, v := range set {
			out[k] = v
		}
	}
	return out, nil
}
