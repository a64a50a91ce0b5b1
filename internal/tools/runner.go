// Package tools wraps invocation of the external OS utilities the clone
// pipeline depends on (recursive copy, quarantine stripping, ad-hoc
// re-signing, load-path rewrites). Callers decide whether a non-zero exit
// is fatal; the runner only reports it.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// Result captures the outcome of a single external tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external tools. The orchestration layers take this as an
// interface so tests can substitute a recording fake.
type Runner interface {
	// Run executes name with args and returns the exit code along with
	// captured output. A non-nil error is returned only when the tool could
	// not be started at all; a non-zero exit is reported via Result.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// RunEnv behaves like Run but appends extra KEY=VALUE pairs to the
	// child's environment.
	RunEnv(ctx context.Context, env []string, name string, args ...string) (Result, error)
}

// ExecRunner runs tools as real subprocesses.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a Runner backed by os/exec.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With("component", "ToolRunner")}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return r.RunEnv(ctx, nil, name, args...)
}

func (r *ExecRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.logger.Warn("External tool exited non-zero",
				"tool", name, "exitCode", res.ExitCode, "stderr", res.Stderr)
			return res, nil
		}
		return res, fmt.Errorf("failed to start %s: %w", name, err)
	}

	r.logger.Debug("External tool finished", "tool", name, "args", args)
	return res, nil
}

// Ok reports whether the invocation exited successfully.
func (res Result) Ok() bool { return res.ExitCode == 0 }

// StepError renders a failed invocation as the step's own error, carrying
// the exit code and whatever the tool printed.
func (res Result) StepError(step string) error {
	return fmt.Errorf("%s failed: exit code %d: %s", step, res.ExitCode, res.Stderr)
}
