package peer

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrUnroutedMessage is reported when a message names a room with no
	// subscribers on the receiving connection.
	ErrUnroutedMessage = errors.New("unrouted message")

	// ErrSendFailure is reported when the transport could not transmit a
	// datagram to a peer.
	ErrSendFailure = errors.New("send failure")

	// ErrTooManyPeers is returned by Resolve when the registry is full.
	ErrTooManyPeers = errors.New("too many peers")

	// ErrInvalidAddress is returned by Resolve for a zero address.
	ErrInvalidAddress = errors.New("invalid peer address")

	// ErrNoTransmitter is the cause of a SendError on a connection that has
	// no transport attached.
	ErrNoTransmitter = errors.New("no transmitter")
)

// UnroutedError names the room of a message nobody subscribed to.
type UnroutedError struct {
	Addr netip.AddrPort
	Room string
}

func (e *UnroutedError) Error() string {
	return fmt.Sprintf("%s: room %q from %s", ErrUnroutedMessage, e.Room, e.Addr)
}

func (e *UnroutedError) Unwrap() error {
	return ErrUnroutedMessage
}

// SendError describes a failed transmission to one peer.
type SendError struct {
	Addr netip.AddrPort
	Room string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: room %q to %s: %v", ErrSendFailure, e.Room, e.Addr, e.Err)
}

// Unwrap exposes both ErrSendFailure and the transport cause.
func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailure, e.Err}
}
