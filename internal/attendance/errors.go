package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden is returned when the caller does not own the session.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState is returned for operations the session's lifecycle state does not allow.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidInput is returned for malformed create or correction requests.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicate is returned by a Store when an accepted attempt already exists for (session, user).
	ErrDuplicate = errors.New("accepted attempt already exists")
	// ErrTransient wraps persistence failures the caller may retry.
	ErrTransient = errors.New("transient failure")
)

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// transient passes domain errors through and wraps anything else in ErrTransient.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrForbidden, ErrInvalidState, ErrInvalidInput, ErrDuplicate, ErrTransient} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}
