package toolrun

import (
	"context"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// Line renders the call the same way ExecRunner logs it.
func (c Call) Line() string { return CommandLine(c.Name, c.Args...) }

// FakeRunner records calls and delegates results to Handler. A nil Handler
// succeeds with empty output. It is safe for concurrent use.
type FakeRunner struct {
	Handler func(name string, args []string) (string, error)

	mu    sync.Mutex
	calls []Call
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	handler := f.Handler
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", nil
	}
	return handler(name, args)
}

// Calls returns a copy of the recorded calls.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls of one tool.
func (f *FakeRunner) CallsTo(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
