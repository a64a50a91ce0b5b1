package procwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"multiblox/internal/tools"
)

// fakeClock advances its notion of now by the requested duration on every
// After call and fires immediately, so polling loops run deterministically
// with no real sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// sequenceSnapshotter returns scripted snapshots in order, repeating the
// last one once exhausted.
type sequenceSnapshotter struct {
	mu        sync.Mutex
	snapshots []map[int]struct{}
	calls     int
}

func (s *sequenceSnapshotter) Snapshot(ctx context.Context) (map[int]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.snapshots) {
		idx = len(s.snapshots) - 1
	}
	s.calls++
	return s.snapshots[idx], nil
}

func pids(ids ...int) map[int]struct{} {
	out := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestAwaitNewProcessDetectsAfterTicks(t *testing.T) {
	snap := &sequenceSnapshotter{snapshots: []map[int]struct{}{
		pids(10, 20),
		pids(10, 20),
		pids(10, 20),
		pids(10, 20, 30),
	}}
	m := NewMonitor(snap, newFakeClock(), 100*time.Millisecond, nil)

	pid, ok := m.AwaitNewProcess(context.Background(), pids(10, 20), 10*time.Second)
	if !ok {
		t.Fatal("Expected a new process to be detected")
	}
	if pid != 30 {
		t.Errorf("Detected pid = %d, want 30", pid)
	}
	if snap.calls != 4 {
		t.Errorf("Snapshot polled %d times, want 4", snap.calls)
	}
}

func TestAwaitNewProcessTimesOut(t *testing.T) {
	snap := &sequenceSnapshotter{snapshots: []map[int]struct{}{pids(10)}}
	m := NewMonitor(snap, newFakeClock(), 500*time.Millisecond, nil)

	pid, ok := m.AwaitNewProcess(context.Background(), pids(10), 2*time.Second)
	if ok {
		t.Fatalf("Expected timeout, got pid %d", pid)
	}
}

func TestAwaitNewProcessIgnoresBaselineProcesses(t *testing.T) {
	snap := &sequenceSnapshotter{snapshots: []map[int]struct{}{pids(10, 20)}}
	m := NewMonitor(snap, newFakeClock(), 500*time.Millisecond, nil)

	if pid, ok := m.AwaitNewProcess(context.Background(), pids(10, 20), time.Second); ok {
		t.Errorf("Baseline process %d reported as new", pid)
	}
}

func TestAlive(t *testing.T) {
	snap := &sequenceSnapshotter{snapshots: []map[int]struct{}{pids(42)}}
	m := NewMonitor(snap, newFakeClock(), time.Second, nil)

	if !m.Alive(context.Background(), 42) {
		t.Error("Expected pid 42 to be alive")
	}
	if m.Alive(context.Background(), 43) {
		t.Error("Expected pid 43 to be gone")
	}
}

type failingSnapshotter struct{}

func (failingSnapshotter) Snapshot(ctx context.Context) (map[int]struct{}, error) {
	return nil, errors.New("ps unavailable")
}

func TestAliveTreatsSnapshotFailureAsAlive(t *testing.T) {
	m := NewMonitor(failingSnapshotter{}, newFakeClock(), time.Second, nil)
	if !m.Alive(context.Background(), 1) {
		t.Error("A transient snapshot failure must not report the process dead")
	}
}

func TestPSSnapshotterParsesAndFilters(t *testing.T) {
	runner := tools.NewFakeRunner()
	runner.Script("ps", tools.Result{Stdout: "" +
		"  101 /Applications/Safari.app/Contents/MacOS/Safari\n" +
		"  202 /Users/x/clones/clean/1/Roblox.app/Contents/MacOS/RobloxPlayer\n" +
		"  303 /Users/x/clones/clean/2/Roblox.app/Contents/MacOS/RobloxPlayer\n" +
		"  bad line\n"})

	s := NewPSSnapshotter(runner, "RobloxPlayer")
	got, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	want := pids(202, 303)
	if len(got) != len(want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
	for pid := range want {
		if _, ok := got[pid]; !ok {
			t.Errorf("Missing pid %d in snapshot", pid)
		}
	}
}
