package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"multiblox/internal/auth"
	"multiblox/internal/clone"
	"multiblox/internal/deeplink"
	"multiblox/internal/history"
	"multiblox/internal/metrics"
	"multiblox/internal/procwatch"
)

const (
	defaultMaxConcurrentLaunches = 4
	defaultDetectTimeout         = 30 * time.Second
	defaultLivenessInterval      = 3 * time.Second
	defaultSessionRetention      = 10 * time.Minute
	defaultStaggerDelay          = 750 * time.Millisecond
	gcInterval                   = time.Minute
)

// CloneSource resolves fabricated clones for launches. Lookup never
// fabricates; launches with no clone on disk fail with ErrCloneMissing.
type CloneSource interface {
	LookupClone(flavor string, index int) (*clone.InstanceClone, bool)
	ListClones(flavor string) []*clone.InstanceClone
	RemoveClone(flavor string, index int) error
}

// Injector applies the assigned executor to an instance before launch.
type Injector interface {
	ApplyOne(ctx context.Context, index int) error
}

// Config holds construction options for the Scheduler.
type Config struct {
	MaxConcurrentLaunches int
	DetectTimeout         time.Duration
	LivenessInterval      time.Duration
	SessionRetention      time.Duration
	StaggerDelay          time.Duration

	Clones     CloneSource
	Injector   Injector
	Tickets    auth.TicketSource
	Links      *deeplink.Builder
	Monitor    *procwatch.Monitor
	Dispatcher Dispatcher
	History    *history.Store       // optional
	Metrics    *metrics.Collector   // optional
	Clock      procwatch.Clock      // optional, defaults to the system clock
	Logger     *slog.Logger
}

// Scheduler accepts launch requests, enforces the concurrency ceiling
// with a FIFO queue, and drives each admitted request through the session
// state machine. A single coordinating goroutine owns every session
// transition; blocking pipeline steps run on worker goroutines and report
// back as operations applied by the coordinator.
type Scheduler struct {
	cfg Config

	slots  *SlotAllocator
	clock  procwatch.Clock
	logger *slog.Logger

	ops      chan func()
	stopOnce sync.Once
	stopped  chan struct{}

	// Coordinator-owned state. Touched only from the run loop.
	sessions map[string]*Session
	queue    []Request
	active   int
	cancels  map[string]context.CancelFunc

	errMu     sync.Mutex
	lastError string
}

// NewScheduler creates a Scheduler. Run must be called before submitting.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Clones == nil || cfg.Tickets == nil || cfg.Links == nil ||
		cfg.Monitor == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("clones, tickets, links, monitor and dispatcher are required")
	}
	if cfg.MaxConcurrentLaunches <= 0 {
		cfg.MaxConcurrentLaunches = defaultMaxConcurrentLaunches
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = defaultDetectTimeout
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = defaultSessionRetention
	}
	if cfg.StaggerDelay <= 0 {
		cfg.StaggerDelay = defaultStaggerDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = procwatch.SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:      cfg,
		slots:    NewSlotAllocator(0),
		clock:    clock,
		logger:   logger.With("component", "LaunchScheduler"),
		ops:      make(chan func(), 64),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Run executes the coordinating loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Launch scheduler running", "maxConcurrentLaunches", s.cfg.MaxConcurrentLaunches)

	// GC goes through the clock like every other timing path. Retention
	// windows shorter than the default cadence collect on their own cadence.
	gcTick := gcInterval
	if s.cfg.SessionRetention < gcTick {
		gcTick = s.cfg.SessionRetention
	}
	gc := s.clock.After(gcTick)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return
		case op := <-s.ops:
			op()
		case <-gc:
			s.collectExpired()
			gc = s.clock.After(gcTick)
		}
	}
}

func (s *Scheduler) shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopped) })
	// Cancel every live monitor; processes are left running. Stopping the
	// engine does not stop the user's game sessions.
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.logger.Info("Launch scheduler stopped")
}

// do runs fn on the coordinating goroutine and waits for it.
func (s *Scheduler) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(done) }:
	case <-s.stopped:
		return
	}
	select {
	case <-done:
	case <-s.stopped:
	}
}

// post runs fn on the coordinating goroutine without waiting.
func (s *Scheduler) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.stopped:
	}
}

// Submit places a launch request on the queue and returns the ID its
// session will carry once admitted. Admission is immediate when the
// concurrency ceiling has room.
func (s *Scheduler) Submit(req Request) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.clock.Now()
	}
	s.do(func() {
		s.queue = append(s.queue, req)
		s.pump()
		s.updateGauges()
	})
	return req.ID
}

// pump admits queued requests in FIFO order while the ceiling has room.
// Coordinator-only.
func (s *Scheduler) pump() {
	for s.active < s.cfg.MaxConcurrentLaunches && len(s.queue) > 0 {
		req := s.queue[0]
		s.queue = s.queue[1:]
		s.admit(req)
	}
}

// admit turns a request into a launching session and starts its pipeline
// worker. Coordinator-only.
func (s *Scheduler) admit(req Request) {
	sess := &Session{
		ID:        req.ID,
		Account:   req.Account,
		Game:      req.Game,
		Status:    StatusLaunching,
		StartedAt: s.clock.Now(),
		Flavor:    req.Settings.Flavor,
		Ephemeral: req.Settings.Ephemeral,
	}
	s.sessions[req.ID] = sess
	s.active++
	s.logger.Info("Session admitted", "sessionID", req.ID, "account", req.Account.Name, "place", req.Game.PlaceID)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[req.ID] = cancel
	go s.launchWorker(ctx, req)
}

// launchWorker runs the blocking launch pipeline off the coordinating
// goroutine and reports the outcome back as a transition operation.
func (s *Scheduler) launchWorker(ctx context.Context, req Request) {
	slot, cl, err := s.resolveInstance(req)
	if err != nil {
		s.post(func() { s.failSession(req.ID, err) })
		return
	}

	if s.cfg.Injector != nil {
		if err := s.cfg.Injector.ApplyOne(ctx, slot); err != nil {
			s.logger.Warn("Executor apply failed, launching uninjected", "sessionID", req.ID, "instance", slot, "error", err)
		}
	}

	// Fresh ticket per attempt; the remote service rejects reuse.
	ticket, err := s.cfg.Tickets.FreshTicket(ctx, req.Account.Credential)
	if err != nil {
		s.post(func() { s.failSession(req.ID, err) })
		return
	}

	uri, err := s.cfg.Links.Build(ticket, req.Game.PlaceID)
	if err != nil {
		if errors.Is(err, deeplink.ErrAuthTicketInvalid) {
			s.post(func() { s.failSession(req.ID, err) })
			return
		}
		uri = deeplink.FallbackURI(req.Game.PlaceID)
	}

	var baseline map[int]struct{}
	if !req.Settings.DirectExec {
		baseline, err = s.cfg.Monitor.Snapshot(ctx)
		if err != nil {
			s.logger.Warn("Baseline snapshot failed", "sessionID", req.ID, "error", err)
			baseline = map[int]struct{}{}
		}
	}

	pid, err := s.cfg.Dispatcher.Dispatch(ctx, cl, uri, req.Settings.DirectExec)
	if err != nil {
		s.post(func() { s.failSession(req.ID, err) })
		return
	}

	if pid == 0 {
		// URI-dispatch path: no handle, detect the new process by
		// snapshot differencing. A timeout is not a failure; the launch
		// may have succeeded on a path the detector cannot observe.
		pid, _ = s.cfg.Monitor.AwaitNewProcess(ctx, baseline, s.cfg.DetectTimeout)
	}

	s.post(func() { s.markRunning(req.ID, slot, cl.Path, pid) })
}

// resolveInstance assigns the account's sticky instance slot and resolves
// its clone, without fabricating anything.
func (s *Scheduler) resolveInstance(req Request) (int, *clone.InstanceClone, error) {
	total := len(s.cfg.Clones.ListClones(req.Settings.Flavor))
	if err := s.slots.SetTotal(total); err != nil {
		return 0, nil, err
	}
	slot, err := s.slots.SlotFor(req.Account.Name)
	if err != nil {
		return 0, nil, fmt.Errorf("%w (flavor %s)", ErrCloneMissing, req.Settings.Flavor)
	}
	cl, ok := s.cfg.Clones.LookupClone(req.Settings.Flavor, slot)
	if !ok {
		return 0, nil, fmt.Errorf("%w (flavor %s, instance %d)", ErrCloneMissing, req.Settings.Flavor, slot)
	}
	return slot, cl, nil
}

// markRunning transitions launching → running. Coordinator-only. A
// session terminated while its pipeline was in flight is left alone.
func (s *Scheduler) markRunning(id string, slot int, clonePath string, pid int) {
	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusLaunching {
		return
	}
	s.transition(sess, StatusRunning)
	sess.LaunchedAt = s.clock.Now()
	sess.InstanceIndex = slot
	sess.ClonePath = clonePath
	sess.ProcessID = pid
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveLaunchDuration(sess.LaunchedAt.Sub(sess.StartedAt).Seconds())
	}
	s.logger.Info("Session running", "sessionID", id, "pid", pid, "instance", slot)

	if pid != 0 {
		ctx, cancel := context.WithCancel(context.Background())
		// Replace the pipeline cancel with the monitor cancel.
		if old, ok := s.cancels[id]; ok {
			old()
		}
		s.cancels[id] = cancel
		go s.monitorSession(ctx, id, pid)
	} else {
		s.logger.Warn("Session running without tracked process; monitoring is best-effort", "sessionID", id)
	}
	s.updateGauges()
}

// failSession transitions launching → failed. Coordinator-only.
func (s *Scheduler) failSession(id string, cause error) {
	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusLaunching {
		return
	}
	s.transition(sess, StatusFailed)
	sess.EndedAt = s.clock.Now()
	sess.Err = cause.Error()
	s.setLastError(cause.Error())
	s.logger.Error("Session failed", "sessionID", id, "error", cause)
	s.finalize(sess, "failed")
}

// monitorSession periodically confirms the tracked process is still
// present and reports its disappearance. Worker goroutine; transitions
// are posted back to the coordinator.
func (s *Scheduler) monitorSession(ctx context.Context, id string, pid int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.LivenessInterval):
		}
		if !s.cfg.Monitor.Alive(ctx, pid) {
			s.post(func() { s.handleNaturalExit(id) })
			return
		}
	}
}

// handleNaturalExit finalizes a session whose process disappeared on its
// own. Coordinator-only. If the session was already transitioned to
// terminating/terminated by an explicit Terminate, this is a no-op; both
// finalizers racing on one session would double-release its admission
// slot.
func (s *Scheduler) handleNaturalExit(id string) {
	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusRunning {
		return
	}
	s.transition(sess, StatusTerminating)
	s.transition(sess, StatusTerminated)
	sess.EndedAt = s.clock.Now()
	s.logger.Info("Session ended naturally", "sessionID", id, "pid", sess.ProcessID)
	s.cleanupClone(sess)
	s.finalize(sess, "terminated")
}

// Terminate stops a session explicitly. Valid from running and launching;
// a no-op on sessions already terminal or terminating.
func (s *Scheduler) Terminate(id string) {
	s.do(func() {
		sess, ok := s.sessions[id]
		if !ok || sess.Status.Terminal() || sess.Status == StatusTerminating {
			return
		}
		s.transition(sess, StatusTerminating)
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		pid := sess.ProcessID
		if pid != 0 {
			go func() {
				if err := s.cfg.Dispatcher.Signal(context.Background(), pid); err != nil {
					s.logger.Warn("Failed to signal process", "sessionID", id, "pid", pid, "error", err)
				}
			}()
		}
		s.transition(sess, StatusTerminated)
		sess.EndedAt = s.clock.Now()
		s.logger.Info("Session terminated", "sessionID", id, "pid", pid)
		s.cleanupClone(sess)
		s.finalize(sess, "terminated")
	})
}

// transition applies and records a state change. Coordinator-only.
func (s *Scheduler) transition(sess *Session, to Status) {
	if !validTransition(sess.Status, to) {
		// Transitions are driven exclusively by the coordinator, so this
		// indicates a scheduler bug rather than a race.
		s.logger.Error("Invalid session transition", "sessionID", sess.ID, "from", sess.Status.String(), "to", to.String())
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordTransition(sess.Status.String(), to.String())
	}
	sess.Status = to
}

// finalize releases the session's admission slot, records history, and
// admits the next queued request. Coordinator-only.
func (s *Scheduler) finalize(sess *Session, outcome string) {
	if cancel, ok := s.cancels[sess.ID]; ok {
		cancel()
		delete(s.cancels, sess.ID)
	}
	s.active--
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordOutcome(outcome)
	}
	if s.cfg.History != nil {
		s.cfg.History.Record(historyRecord(sess))
	}
	s.pump()
	s.updateGauges()
}

// cleanupClone deletes the clone container of an ephemeral session.
// Coordinator-only.
func (s *Scheduler) cleanupClone(sess *Session) {
	if !sess.Ephemeral || sess.InstanceIndex == 0 {
		return
	}
	if err := s.cfg.Clones.RemoveClone(sess.Flavor, sess.InstanceIndex); err != nil {
		s.logger.Warn("Failed to remove ephemeral clone", "sessionID", sess.ID, "error", err)
	}
}

// Session returns a copy of one session.
func (s *Scheduler) Session(id string) (Session, bool) {
	var out Session
	var ok bool
	s.do(func() {
		if sess, exists := s.sessions[id]; exists {
			out = *sess
			ok = true
		}
	})
	return out, ok
}

// Sessions returns copies of every retained session.
func (s *Scheduler) Sessions() []Session {
	var out []Session
	s.do(func() {
		out = make([]Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			out = append(out, *sess)
		}
	})
	return out
}

// QueueDepth returns the number of requests awaiting admission.
func (s *Scheduler) QueueDepth() int {
	var n int
	s.do(func() { n = len(s.queue) })
	return n
}

// ActiveCount returns the number of sessions in non-terminal state.
func (s *Scheduler) ActiveCount() int {
	var n int
	s.do(func() { n = s.active })
	return n
}

// LastError returns the most recent session error, last-write-wins.
func (s *Scheduler) LastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastError
}

func (s *Scheduler) setLastError(msg string) {
	s.errMu.Lock()
	s.lastError = msg
	s.errMu.Unlock()
}

// collectExpired drops terminal sessions past the retention window.
// Coordinator-only.
func (s *Scheduler) collectExpired() {
	cutoff := s.clock.Now().Add(-s.cfg.SessionRetention)
	for id, sess := range s.sessions {
		if sess.Status.Terminal() && !sess.EndedAt.IsZero() && sess.EndedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

func (s *Scheduler) updateGauges() {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.SetActiveSessions(s.active)
	s.cfg.Metrics.SetQueueDepth(len(s.queue))
}

func historyRecord(sess *Session) history.Record {
	rec := history.Record{
		ID:        sess.ID,
		Account:   sess.Account.Name,
		PlaceID:   sess.Game.PlaceID,
		Status:    sess.Status.String(),
		StartedAt: sess.StartedAt,
		Error:     sess.Err,
	}
	if !sess.LaunchedAt.IsZero() {
		rec.LaunchedAt.Valid = true
		rec.LaunchedAt.Time = sess.LaunchedAt
	}
	if !sess.EndedAt.IsZero() {
		rec.EndedAt.Valid = true
		rec.EndedAt.Time = sess.EndedAt
	}
	return rec
}
