package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCloneWatcherDebouncesRapidChanges(t *testing.T) {
	m, fake, root := newTestManager(t)
	p, err := m.Install(context.Background(), "macsploit", SourceCommand, "true")
	if err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
	if err := m.Assign(1, &p.ID); err != nil {
		t.Fatal(err)
	}
	before := len(fake.Calls())

	clonesDir := filepath.Join(root, "clones")
	if err := os.MkdirAll(clonesDir, 0755); err != nil {
		t.Fatal(err)
	}
	w := NewCloneWatcher(m, clonesDir, func() int { return 1 }, nil)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Let the watch registration land before producing events.
	time.Sleep(100 * time.Millisecond)
	os.MkdirAll(filepath.Join(clonesDir, "1"), 0755)
	os.MkdirAll(filepath.Join(clonesDir, "2"), 0755)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(fake.Calls()) > before {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	applied := len(fake.Calls())
	if applied == before {
		t.Fatal("Watcher never re-applied assignments after directory changes")
	}
	if got := fake.Calls()[applied-1].EnvValue("ACTION"); got != "inject" {
		t.Errorf("Re-apply ACTION = %q, want inject", got)
	}

	// With no further events, one burst means one settled application; a
	// stale debounce tick would fire again here.
	time.Sleep(4 * w.debounce)
	if got := len(fake.Calls()); got != applied {
		t.Errorf("Assignments re-applied without new events: %d calls, want %d", got, applied)
	}
}
