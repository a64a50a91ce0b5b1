package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"multiblox/internal/clone"
	"multiblox/internal/tools"
)

// Dispatcher starts a clone with a deep-link payload. A returned pid of 0
// means the dispatch path yields no process handle and the caller must
// fall back to snapshot-based detection.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *clone.InstanceClone, uri string, directExec bool) (int, error)

	// Signal asks the process with the given pid to stop.
	Signal(ctx context.Context, pid int) error
}

// OSDispatcher launches clones either by executing the clone binary
// directly (keeping a handle) or by handing the bundle plus URI to the OS
// open mechanism (no handle).
type OSDispatcher struct {
	runner tools.Runner
	logger *slog.Logger
}

// NewOSDispatcher creates the production dispatcher.
func NewOSDispatcher(runner tools.Runner, logger *slog.Logger) *OSDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &OSDispatcher{runner: runner, logger: logger.With("component", "Dispatcher")}
}

func (d *OSDispatcher) Dispatch(ctx context.Context, c *clone.InstanceClone, uri string, directExec bool) (int, error) {
	if directExec && c.ExecutablePath() != "" {
		cmd := exec.Command(c.ExecutablePath(), uri)
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrLaunchExecFailed, err)
		}
		pid := cmd.Process.Pid
		// Reap the child when it exits; the session monitor tracks
		// lifetime separately.
		go cmd.Wait()
		d.logger.Info("Dispatched instance directly", "clone", c.Path, "pid", pid)
		return pid, nil
	}

	res, err := d.runner.Run(ctx, "open", "-n", c.AppPath(), "--args", uri)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunchExecFailed, err)
	}
	if !res.Ok() {
		return 0, fmt.Errorf("%w: %v", ErrLaunchExecFailed, res.StepError("open"))
	}
	d.logger.Info("Dispatched instance via OS open", "clone", c.Path)
	return 0, nil
}

func (d *OSDispatcher) Signal(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	res, err := d.runner.Run(ctx, "kill", "-TERM", strconv.Itoa(pid))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return res.StepError("kill")
	}
	return nil
}
