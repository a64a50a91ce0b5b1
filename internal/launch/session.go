// Package launch orchestrates launch sessions: admission control over a
// FIFO queue, a per-session state machine driven by a single coordinating
// goroutine, and the per-request pipeline from auth ticket to running
// process.
package launch

import (
	"errors"
	"time"
)

var (
	// ErrCloneMissing means the launch targeted a flavor/index with no
	// fabricated clone on disk. Launches never fabricate implicitly; the
	// user is instructed to run the prepare step first.
	ErrCloneMissing = errors.New("no fabricated instance for this flavor and index; run the prepare step first")

	// ErrLaunchExecFailed means spawning or opening the target executable
	// failed.
	ErrLaunchExecFailed = errors.New("failed to start application instance")
)

// Status is a session's position in its lifecycle.
type Status int

const (
	// StatusLaunching is the initial state: the session is admitted and
	// its pipeline is in flight.
	StatusLaunching Status = iota
	// StatusRunning means the application was dispatched successfully.
	StatusRunning
	// StatusTerminating means shutdown of the session is in progress.
	StatusTerminating
	// StatusTerminated is terminal: the instance is gone.
	StatusTerminated
	// StatusFailed is terminal, reachable from StatusLaunching only.
	StatusFailed
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case StatusLaunching:
		return "launching"
	case StatusRunning:
		return "running"
	case StatusTerminating:
		return "terminating"
	case StatusTerminated:
		return "terminated"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// validTransition encodes the session state machine.
func validTransition(from, to Status) bool {
	switch from {
	case StatusLaunching:
		return to == StatusRunning || to == StatusFailed || to == StatusTerminating
	case StatusRunning:
		return to == StatusTerminating
	case StatusTerminating:
		return to == StatusTerminated
	default:
		return false
	}
}

// Account identifies one user credential.
type Account struct {
	Name       string
	Credential string
}

// Game identifies the join target.
type Game struct {
	Name       string
	PlaceID    int64
	UniverseID int64
}

// Settings carries per-launch options.
type Settings struct {
	// Flavor selects which clone variant to launch.
	Flavor string
	// Ephemeral marks the clone for deletion when the session ends.
	Ephemeral bool
	// DirectExec runs the clone's executable directly instead of handing
	// the URI to the OS open mechanism, giving the engine a real process
	// handle.
	DirectExec bool
}

// Request is an immutable launch request placed on the queue.
type Request struct {
	ID          string
	Account     Account
	Game        Game
	Settings    Settings
	RequestedAt time.Time
}

// Session is the unit of concurrency control: one per accepted request,
// owned exclusively by the scheduler's coordinating goroutine until
// terminal, then retained for a retention window.
type Session struct {
	ID            string
	Account       Account
	Game          Game
	Status        Status
	StartedAt     time.Time
	LaunchedAt    time.Time
	EndedAt       time.Time
	ProcessID     int
	ClonePath     string
	Flavor        string
	InstanceIndex int
	Ephemeral     bool
	Err           string
}
