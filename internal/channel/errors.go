package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates no registered session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateCredential indicates another active session holds the credential.
	ErrDuplicateCredential = errors.New("duplicate credential")
	// ErrTransport is wrapped by every error returned from a Transport call.
	ErrTransport = errors.New("transport error")
)

// ConflictError reports that another poller holds the credential. It is
// terminal for the session instance that received it.
type ConflictError struct {
	Method      string
	Description string
}

func (e *ConflictError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: conflict", e.Method)
	}
	return fmt.Sprintf("%s: conflict: %s", e.Method, e.Description)
}

// Unwrap lets errors.Is(err, ErrTransport) match.
func (e *ConflictError) Unwrap() error {
	return ErrTransport
}

// TransientError reports a remote call failure that the next poll tick retries.
type TransientError struct {
	Method string
	Code   int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Method, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

// Unwrap returns both the cause and ErrTransport.
func (e *TransientError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsConflict reports whether err carries a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
