package launch

import "context"

// Group launch modes are compositions over ordinary submissions: they
// alter only the submission timing, never the state machine. The remote
// service intermittently rejects near-simultaneous identical-timestamp
// joins, so a short jitter between submissions and an optional single
// retry of the second request materially improve the success rate.

// SubmitPair submits two requests with a stagger delay between them. When
// retrySecond is set and the second session fails, it is resubmitted
// exactly once. Returns the submitted request IDs, the retry's last.
func (s *Scheduler) SubmitPair(ctx context.Context, first, second Request, retrySecond bool) []string {
	ids := []string{s.Submit(first)}

	if !s.sleep(ctx) {
		return ids
	}
	secondID := s.Submit(second)
	ids = append(ids, secondID)

	if !retrySecond {
		return ids
	}
	if !s.awaitTerminal(ctx, secondID) {
		return ids
	}
	if sess, ok := s.Session(secondID); ok && sess.Status == StatusFailed {
		second.ID = ""
		ids = append(ids, s.Submit(second))
	}
	return ids
}

// SubmitStaggered submits requests in order with the stagger delay
// between each pair.
func (s *Scheduler) SubmitStaggered(ctx context.Context, reqs []Request) []string {
	ids := make([]string, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 && !s.sleep(ctx) {
			break
		}
		ids = append(ids, s.Submit(req))
	}
	return ids
}

// SubmitBurst submits the same request three times in a staggered burst.
// Each copy is an independent ordinary request; this is caller-initiated
// repetition, not engine retry policy.
func (s *Scheduler) SubmitBurst(ctx context.Context, req Request) []string {
	reqs := make([]Request, 3)
	for i := range reqs {
		r := req
		r.ID = ""
		reqs[i] = r
	}
	return s.SubmitStaggered(ctx, reqs)
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(s.cfg.StaggerDelay):
		return true
	}
}

// awaitTerminal polls until the session reaches a terminal state or the
// context ends.
func (s *Scheduler) awaitTerminal(ctx context.Context, id string) bool {
	for {
		if sess, ok := s.Session(id); ok && sess.Status.Terminal() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.clock.After(s.cfg.StaggerDelay):
		}
	}
}
