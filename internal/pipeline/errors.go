package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("pipeline: session already started")

	// ErrSessionStopped is returned for operations on a stopped session.
	ErrSessionStopped = errors.New("pipeline: session stopped")

	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("pipeline: session not found")

	// ErrRateLimited is returned when evaluations arrive too quickly.
	ErrRateLimited = errors.New("pipeline: evaluation rate limit exceeded")

	// ErrNoEvaluator is returned when no evaluation gateway is configured.
	ErrNoEvaluator = errors.New("pipeline: no evaluation gateway configured")

	// ErrTooManySessions is returned when the manager is at capacity.
	ErrTooManySessions = errors.New("pipeline: too many sessions")
)

// AcquisitionError reports that a session lost its frame source. It is
// fatal to the session.
type AcquisitionError struct {
	SessionID string
	Cause     error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("pipeline: session %s: frame acquisition failed: %v", e.SessionID, e.Cause)
}

func (e *AcquisitionError) Unwrap() error { return e.Cause }

// State is the lifecycle position of a session.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	// StateEnded means the frame source finished cleanly.
	StateEnded State = "ended"
	// StateFailed means an AcquisitionError stopped the session.
	StateFailed State = "failed"
	// StateStopped means the session was torn down by its owner.
	StateStopped State = "stopped"
)

// Terminal reports whether no further frames will be processed.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateStopped
}
