package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrBindFailure is reported when the UDP socket cannot be bound.
	ErrBindFailure = errors.New("bind failure")

	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("relay already running")

	// ErrServerStopped is returned by Start after Stop.
	ErrServerStopped = errors.New("relay stopped")

	// ErrNotRunning is returned when writing through a server that has no
	// open socket.
	ErrNotRunning = errors.New("relay not running")
)

// BindError describes a failed bind of the listen address.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%s on %s: %v", ErrBindFailure, e.Address, e.Err)
}

// Unwrap exposes both ErrBindFailure and the socket error.
func (e *BindError) Unwrap() []error {
	return []error{ErrBindFailure, e.Err}
}
