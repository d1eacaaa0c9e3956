package terminal

import "fmt"

// SessionNotFoundError is returned for operations on a session id the
// registry does not know.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("terminal session %s not found", e.SessionID)
}

// SessionDestroyedError is returned for operations on a session that has been
// destroyed. Destroyed sessions fail closed: no operation on them succeeds.
type SessionDestroyedError struct {
	SessionID string
}

func (e *SessionDestroyedError) Error() string {
	return fmt.Sprintf("terminal session %s has been destroyed", e.SessionID)
}

// TooManySessionsError is returned when the registry is at capacity and no
// inactive session could be evicted.
type TooManySessionsError struct {
	Limit int
}

func (e *TooManySessionsError) Error() string {
	return fmt.Sprintf("terminal session limit reached (%d)", e.Limit)
}

// CommandError wraps a stream-level failure while forwarding input or a
// resize to the session's terminal.
type CommandError struct {
	SessionID string
	Cause     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("terminal command failed for session %s: %v", e.SessionID, e.Cause)
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}
