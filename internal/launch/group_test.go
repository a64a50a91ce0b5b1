package launch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// flakyTickets fails a scripted number of requests per credential and
// succeeds afterwards.
type flakyTickets struct {
	mu       sync.Mutex
	failures map[string]int
	count    int
}

func (f *flakyTickets) FreshTicket(ctx context.Context, credential string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[credential] > 0 {
		f.failures[credential]--
		return "", errors.New("authentication service unreachable")
	}
	f.count++
	return fmt.Sprintf("ticket-%d", f.count), nil
}

func TestSubmitPairRetriesFailedSecondOnce(t *testing.T) {
	tickets := &flakyTickets{failures: map[string]int{"cookie-bob": 1}}
	h := newTestScheduler(t, 2, newFakeClones("clean", 2), tickets)

	ids := h.scheduler.SubmitPair(context.Background(), directRequest("alice"), directRequest("bob"), true)
	if len(ids) != 3 {
		t.Fatalf("SubmitPair returned %d ids, want 3 (failed second submitted exactly once more)", len(ids))
	}

	if st, ok := sessionStatus(h, ids[1]); !ok || st != StatusFailed {
		t.Errorf("Second submission status = %v, want failed", st)
	}
	waitFor(t, func() bool {
		st, ok := sessionStatus(h, ids[2])
		return ok && st == StatusRunning
	}, "retried second submission never reached running")
	waitFor(t, func() bool {
		st, ok := sessionStatus(h, ids[0])
		return ok && st == StatusRunning
	}, "first submission never reached running")

	// Sticky assignment holds across the retry.
	retry, _ := h.scheduler.Session(ids[2])
	first, _ := h.scheduler.Session(ids[0])
	if retry.InstanceIndex == first.InstanceIndex {
		t.Errorf("Retry shares instance %d with the first account", retry.InstanceIndex)
	}
}

func TestSubmitPairDoesNotRetryTerminatedSecond(t *testing.T) {
	h := newTestScheduler(t, 2, newFakeClones("clean", 2), &fakeTickets{})

	idsCh := make(chan []string, 1)
	go func() {
		idsCh <- h.scheduler.SubmitPair(context.Background(), directRequest("alice"), directRequest("bob"), true)
	}()

	var bobID string
	waitFor(t, func() bool {
		for _, sess := range h.scheduler.Sessions() {
			if sess.Account.Name == "bob" && sess.Status == StatusRunning {
				bobID = sess.ID
				return true
			}
		}
		return false
	}, "second pair session never reached running")

	// An ordinary termination is not a failure; no resubmission follows.
	h.scheduler.Terminate(bobID)
	ids := <-idsCh
	if len(ids) != 2 {
		t.Fatalf("SubmitPair returned %d ids, want 2 (successful second must not be retried)", len(ids))
	}
}

func TestSubmitStaggeredRunsAll(t *testing.T) {
	h := newTestScheduler(t, 3, newFakeClones("clean", 3), &fakeTickets{})

	reqs := []Request{directRequest("a1"), directRequest("a2"), directRequest("a3")}
	ids := h.scheduler.SubmitStaggered(context.Background(), reqs)
	if len(ids) != 3 {
		t.Fatalf("SubmitStaggered returned %d ids, want 3", len(ids))
	}

	seen := make(map[int]bool)
	for _, id := range ids {
		waitFor(t, func() bool {
			st, ok := sessionStatus(h, id)
			return ok && st == StatusRunning
		}, "staggered session never reached running")
		sess, _ := h.scheduler.Session(id)
		if seen[sess.InstanceIndex] {
			t.Errorf("Instance %d assigned twice across accounts", sess.InstanceIndex)
		}
		seen[sess.InstanceIndex] = true
	}
}

func TestSubmitBurstSubmitsThreeIndependentCopies(t *testing.T) {
	h := newTestScheduler(t, 3, newFakeClones("clean", 1), &fakeTickets{})

	ids := h.scheduler.SubmitBurst(context.Background(), directRequest("alice"))
	if len(ids) != 3 {
		t.Fatalf("SubmitBurst returned %d ids, want 3", len(ids))
	}
	if ids[0] == ids[1] || ids[1] == ids[2] || ids[0] == ids[2] {
		t.Fatalf("Burst copies share ids: %v", ids)
	}

	for _, id := range ids {
		waitFor(t, func() bool {
			st, ok := sessionStatus(h, id)
			return ok && st == StatusRunning
		}, "burst session never reached running")
		// Same account, same sticky instance for every copy.
		if sess, _ := h.scheduler.Session(id); sess.InstanceIndex != 1 {
			t.Errorf("Burst copy ran on instance %d, want 1", sess.InstanceIndex)
		}
	}
}
