// Package frame implements the room-tagged datagram wire format.
//
// A datagram carries exactly one message:
//
//	<room><delimiter><payload>
//
// The delimiter is the two-byte sequence "<>". Room names may not contain it,
// so the first occurrence of the delimiter in a datagram is always the
// separator and payload bytes (which may contain anything, including the
// delimiter) are never misparsed as part of the room.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// Delimiter separates the room name from the payload.
	Delimiter = "<>"

	// DefaultMaxDatagramSize is the default upper bound on an encoded datagram,
	// room and delimiter included.
	DefaultMaxDatagramSize = 1024
)

var delimiterBytes = []byte(Delimiter)

var (
	// ErrInvalidRoomName is returned when a room contains the delimiter or is
	// not valid UTF-8.
	ErrInvalidRoomName = errors.New("invalid room name")

	// ErrMalformedMessage is returned when a datagram has no delimiter or its
	// room is not valid UTF-8.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrPayloadTooLarge is returned when an encoded datagram would exceed the
	// codec's maximum datagram size.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Message is a decoded datagram.
type Message struct {
	Room    string
	Payload []byte
}

// String returns a debug representation of the message.
func (m Message) String() string {
	return fmt.Sprintf("Message{Room=%q, PayloadLen=%d}", m.Room, len(m.Payload))
}

// Codec encodes and decodes datagrams under a size bound.
type Codec struct {
	// MaxDatagramSize is the maximum number of bytes in an encoded datagram.
	MaxDatagramSize int
}

// DefaultCodec is used by the package-level Encode and Decode helpers.
var DefaultCodec = Codec{MaxDatagramSize: DefaultMaxDatagramSize}

// NewCodec returns a codec enforcing maxDatagramSize. The bound must leave room
// for at least the delimiter.
func NewCodec(maxDatagramSize int) (Codec, error) {
	if maxDatagramSize < len(Delimiter) {
		return Codec{}, fmt.Errorf("max datagram size %d is smaller than the delimiter", maxDatagramSize)
	}
	return Codec{MaxDatagramSize: maxDatagramSize}, nil
}

// Encode encodes a message with DefaultCodec.
func Encode(room string, payload []byte) ([]byte, error) {
	return DefaultCodec.Encode(room, payload)
}

// Decode decodes a datagram with DefaultCodec.
func Decode(b []byte) (Message, error) {
	return DefaultCodec.Decode(b)
}

// ValidateRoom reports whether room can be carried on the wire.
func ValidateRoom(room string) error {
	if strings.Contains(room, Delimiter) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidRoomName, room, Delimiter)
	}
	if !utf8.ValidString(room) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidRoomName, room)
	}
	return nil
}

// EncodedLen returns the size of the datagram carrying room and payload.
func EncodedLen(room string, payload []byte) int {
	return len(room) + len(Delimiter) + len(payload)
}

// Encode returns the datagram for room and payload.
func (c Codec) Encode(room string, payload []byte) ([]byte, error) {
	if err := ValidateRoom(room); err != nil {
		return nil, err
	}

	n := EncodedLen(room, payload)
	if n > c.MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, c.MaxDatagramSize)
	}

	buf := make([]byte, 0, n)
	buf = append(buf, room...)
	buf = append(buf, Delimiter...)
	buf = append(buf, payload...)
	return buf, nil
}

// Decode splits a datagram into room and payload.
//
// b must be exactly the received bytes. The payload is everything after the
// first delimiter and is copied, so b may be reused by the caller.
func (c Codec) Decode(b []byte) (Message, error) {
	if len(b) > c.MaxDatagramSize {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(b), c.MaxDatagramSize)
	}

	i := bytes.Index(b, delimiterBytes)
	if i < 0 {
		return Message{}, fmt.Errorf("%w: no %q delimiter", ErrMalformedMessage, Delimiter)
	}

	room := b[:i]
	if !utf8.Valid(room) {
		return Message{}, fmt.Errorf("%w: room is not valid UTF-8", ErrMalformedMessage)
	}

	rest := b[i+len(Delimiter):]
	payload := make([]byte, len(rest))
	copy(payload, rest)

	return Message{
		Room:    string(room),
		Payload: payload,
	}, nil
}
