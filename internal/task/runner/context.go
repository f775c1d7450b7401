package runner

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/bytedance/sonic"

	"taskhost/internal/task/units"
	logx "taskhost/pkg/logx"
)

// Messages exchanged between a Runner and its execution context.
// Payloads cross the boundary serialized, so the context never shares memory with the caller.

// orchestrator -> context
type startMsg struct {
	Unit  string
	Input []byte
}

// orchestrator -> context
type statusQuery struct {
	reply chan currentStatusMsg
}

// context -> orchestrator
type statusMsg struct {
	Status Status
	Data   []byte
	Err    string
	Kind   errKind
}

// context -> orchestrator
type currentStatusMsg struct {
	Status Status
}

// execContext is one isolated execution context: a goroutine that owns its own
// status and talks to the runner only through inbox/outbox.
type execContext struct {
	inbox  chan any
	outbox chan statusMsg
	cancel context.CancelFunc
	done   chan struct{}
}

func spawn(resolver units.Resolver, log logx.Logger) *execContext {
	ctx, cancel := context.WithCancel(context.Background())
	ec := &execContext{
		inbox:  make(chan any, 1),
		outbox: make(chan statusMsg, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go ec.loop(ctx, resolver, log)
	return ec
}

// kill terminates the context without waiting for in-flight work.
func (ec *execContext) kill() { ec.cancel() }

func (ec *execContext) loop(ctx context.Context, resolver units.Resolver, log logx.Logger) {
	defer close(ec.done)
	defer func() {
		// No terminal message is sent here; the runner synthesizes an abnormal-exit error.
		if r := recover(); r != nil {
			log.Error("execution context panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	status := Idle
	var results chan statusMsg
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-ec.inbox:
			switch msg := m.(type) {
			case startMsg:
				if status == Running {
					continue
				}
				status = Running
				ec.send(ctx, statusMsg{Status: Running})
				results = make(chan statusMsg, 1)
				go execute(ctx, resolver, msg, results)
			case statusQuery:
				select {
				case msg.reply <- currentStatusMsg{Status: status}:
				default:
				}
			}
		case res := <-results:
			results = nil
			status = res.Status
			ec.send(ctx, res)
		}
	}
}

func (ec *execContext) send(ctx context.Context, m statusMsg) {
	select {
	case ec.outbox <- m:
	case <-ctx.Done():
	}
}

// execute loads and runs one unit. It always leaves exactly one message in out,
// including when the unit panics or exits its goroutine without returning.
func execute(ctx context.Context, resolver units.Resolver, msg startMsg, out chan<- statusMsg) {
	sent := false
	reply := func(m statusMsg) {
		sent = true
		out <- m
	}
	defer func() {
		if r := recover(); r != nil {
			reply(statusMsg{Status: Error, Kind: kindAbnormal, Err: fmt.Sprintf("unit %s panicked: %v", msg.Unit, r)})
			return
		}
		if !sent {
			reply(statusMsg{Status: Error, Kind: kindAbnormal, Err: fmt.Sprintf("unit %s exited without reporting a result", msg.Unit)})
		}
	}()

	if resolver == nil {
		reply(statusMsg{Status: Error, Kind: kindLoad, Err: "no unit resolver configured"})
		return
	}
	fn, err := resolver.Resolve(msg.Unit)
	if err != nil {
		reply(statusMsg{Status: Error, Kind: kindLoad, Err: err.Error()})
		return
	}

	var input any
	if len(msg.Input) > 0 {
		if err := sonic.Unmarshal(msg.Input, &input); err != nil {
			reply(statusMsg{Status: Error, Kind: kindLoad, Err: fmt.Sprintf("decode input: %v", err)})
			return
		}
	}

	res, err := fn(ctx, input)
	if err != nil {
		reply(statusMsg{Status: Error, Kind: kindExec, Err: err.Error()})
		return
	}
	b, err := sonic.Marshal(res)
	if err != nil {
		reply(statusMsg{Status: Error, Kind: kindExec, Err: fmt.Sprintf("encode result: %v", err)})
		return
	}
	reply(statusMsg{Status: Completed, Data: b})
}
