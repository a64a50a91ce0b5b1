package tools

import (
	"context"
	"strings"
	"sync"
)

// Call records a single invocation made against a FakeRunner.
type Call struct {
	Name string
	Args []string
	Env  []string
}

// FakeRunner is a Runner for tests. It records every call and answers with
// scripted results, keyed by tool name.
type FakeRunner struct {
	mu      sync.Mutex
	calls   []Call
	results map[string]Result
	errs    map[string]error
}

// NewFakeRunner creates a FakeRunner that reports success for every tool
// unless told otherwise.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		results: make(map[string]Result),
		errs:    make(map[string]error),
	}
}

// Script sets the result returned for a given tool name.
func (f *FakeRunner) Script(name string, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = res
}

// ScriptError makes an invocation of name fail to start entirely.
func (f *FakeRunner) ScriptError(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f.RunEnv(ctx, nil, name, args...)
}

func (f *FakeRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Name: name, Args: args, Env: env})
	if err, ok := f.errs[name]; ok {
		return Result{}, err
	}
	return f.results[name], nil
}

// Calls returns a copy of every recorded invocation.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded invocations of a single tool.
func (f *FakeRunner) CallsTo(name string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// EnvValue extracts KEY from a recorded call's environment, or "".
func (c Call) EnvValue(key string) string {
	prefix := key + "="
	for _, kv := range c.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}
