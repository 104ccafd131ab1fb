package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a new session would push the
	// registry past its configured concurrency bound. It is surfaced at
	// connection time, never mid-call.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrTransportDisconnect marks the duplex connection as gone. It is
	// session-terminal and triggers registry cleanup.
	ErrTransportDisconnect = errors.New("transport disconnected")

	// ErrSessionClosed is returned by operations on a session whose lifecycle
	// has already ended.
	ErrSessionClosed = errors.New("session closed")
)

// CollaboratorError wraps a failure of an external collaborator call. It is
// recovered at the turn level: the caller hears a fallback reply and the call
// continues.
type CollaboratorError struct {
	Collaborator string
	Timeout      bool
	Err          error
}

func (e *CollaboratorError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s collaborator timed out: %v", e.Collaborator, e.Err)
	}
	return fmt.Sprintf("%s collaborator failed: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// IsCollaboratorTimeout reports whether err is a collaborator deadline
// failure, as opposed to an outright error return.
func IsCollaboratorTimeout(err error) bool {
	var collaboratorErr *CollaboratorError
	return errors.As(err, &collaboratorErr) && collaboratorErr.Timeout
}
