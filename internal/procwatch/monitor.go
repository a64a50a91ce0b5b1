// Package procwatch detects and tracks the OS processes of the reference
// application family without a direct handle. Launches dispatched through
// the OS URI mechanism never hand back a process, so detection works by
// differencing process snapshots before and after.
package procwatch

import (
	"bufio"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"multiblox/internal/tools"
)

const (
	// DefaultPollInterval is how often the snapshot is re-taken while
	// waiting for a new process to appear.
	DefaultPollInterval = 250 * time.Millisecond
)

// Snapshotter lists the pids of every currently-running instance of the
// application family.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[int]struct{}, error)
}

// PSSnapshotter implements Snapshotter over the ps utility, matching
// processes whose command contains the family substring. Clones carry
// derived but recognizably-related identifiers, so a substring match
// catches every instance.
type PSSnapshotter struct {
	runner tools.Runner
	match  string
}

// NewPSSnapshotter creates a snapshotter matching commands containing
// match (e.g. "RobloxPlayer").
func NewPSSnapshotter(runner tools.Runner, match string) *PSSnapshotter {
	return &PSSnapshotter{runner: runner, match: match}
}

func (s *PSSnapshotter) Snapshot(ctx context.Context) (map[int]struct{}, error) {
	res, err := s.runner.Run(ctx, "ps", "-axo", "pid=,comm=")
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, res.StepError("process snapshot")
	}

	pids := make(map[int]struct{})
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if !strings.Contains(fields[1], s.match) {
			continue
		}
		if pid, err := strconv.Atoi(fields[0]); err == nil {
			pids[pid] = struct{}{}
		}
	}
	return pids, nil
}

// Monitor polls process snapshots to detect launches and confirm
// liveness.
type Monitor struct {
	snapshotter  Snapshotter
	clock        Clock
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewMonitor creates a Monitor. A nil clock uses the system clock; a zero
// pollInterval uses DefaultPollInterval.
func NewMonitor(snapshotter Snapshotter, clock Clock, pollInterval time.Duration, logger *slog.Logger) *Monitor {
	if clock == nil {
		clock = SystemClock()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		snapshotter:  snapshotter,
		clock:        clock,
		pollInterval: pollInterval,
		logger:       logger.With("component", "ProcessMonitor"),
	}
}

// Snapshot returns the pids of the running application family.
func (m *Monitor) Snapshot(ctx context.Context) (map[int]struct{}, error) {
	return m.snapshotter.Snapshot(ctx)
}

// AwaitNewProcess polls until a pid appears that was not in baseline, or
// until timeout elapses. Returns (0, false) on timeout or cancellation.
func (m *Monitor) AwaitNewProcess(ctx context.Context, baseline map[int]struct{}, timeout time.Duration) (int, bool) {
	deadline := m.clock.Now().Add(timeout)
	for {
		current, err := m.snapshotter.Snapshot(ctx)
		if err != nil {
			m.logger.Warn("Snapshot failed while awaiting new process", "error", err)
		} else {
			for pid := range current {
				if _, known := baseline[pid]; !known {
					m.logger.Debug("Detected new process", "pid", pid)
					return pid, true
				}
			}
		}

		if !m.clock.Now().Before(deadline) {
			m.logger.Warn("Timed out awaiting new process", "timeout", timeout)
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-m.clock.After(m.pollInterval):
		}
	}
}

// Alive reports whether pid is still present in the current snapshot. A
// snapshot failure is reported as alive; a transient ps failure must not
// terminate a healthy session.
func (m *Monitor) Alive(ctx context.Context, pid int) bool {
	current, err := m.snapshotter.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("Snapshot failed during liveness check", "pid", pid, "error", err)
		return true
	}
	_, ok := current[pid]
	return ok
}
