package errors

import (
	"errors"
)

// Common error types for the session & sync core
var (
	// Transport errors
	ErrConnectivity = errors.New("cannot reach server")

	// Session errors
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
	ErrInvalidSession   = errors.New("invalid session")

	// Realtime errors
	ErrMalformedPush = errors.New("malformed push message")
	ErrInvalidScope  = errors.New("invalid scope")

	// Versioning errors
	ErrUnknownEntity = errors.New("unknown entity")
	ErrConflict      = errors.New("stale version")

	// General errors
	ErrNotFound = errors.New("not found")
)

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
