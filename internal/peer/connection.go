// Package peer tracks the virtual connections of remote UDP endpoints and
// routes their messages to room subscribers.
package peer

import (
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/postalsys/roomrelay/internal/frame"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/metrics"
	"github.com/postalsys/roomrelay/internal/recovery"
)

// Handler receives the payload of a message addressed to a room.
// All handlers of a room share one payload slice and must not modify it.
type Handler func(payload []byte)

// Transmitter writes one encoded datagram to a remote address.
// Implementations must be safe for concurrent use.
type Transmitter interface {
	WriteTo(b []byte, addr netip.AddrPort) error
}

// ConnectionConfig contains the per-connection settings shared by all
// connections of a registry.
type ConnectionConfig struct {
	Codec       frame.Codec
	Transmitter Transmitter
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// NormalizeRooms maps room names to Unicode NFC before routing.
	NormalizeRooms bool

	// RateLimit is the inbound messages-per-second allowance; 0 disables it.
	RateLimit float64
	// RateBurst is the limiter bucket size; 0 means max(1, RateLimit).
	RateBurst int
}

// ConnectionStats is a point-in-time view of a connection.
type ConnectionStats struct {
	Addr         string    `json:"addr"`
	Rooms        []string  `json:"rooms"`
	MessagesIn   uint64    `json:"messages_in"`
	MessagesOut  uint64    `json:"messages_out"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Connection is the relay-side state of one remote address.
type Connection struct {
	addr      netip.AddrPort
	codec     frame.Codec
	tx        Transmitter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	normalize bool
	limiter   *rate.Limiter // nil when unlimited

	mu       sync.RWMutex
	handlers map[string][]Handler

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos

	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64

	ready     chan struct{} // Closed once connect callbacks have returned
	readyOnce sync.Once

	removed atomic.Bool
}

// NewConnection creates a connection for addr. Connections created outside
// a Registry are ready immediately.
func NewConnection(addr netip.AddrPort, cfg ConnectionConfig) *Connection {
	c := newConnection(addr, cfg)
	c.markReady()
	return c
}

func newConnection(addr netip.AddrPort, cfg ConnectionConfig) *Connection {
	codec := cfg.Codec
	if codec.MaxDatagramSize == 0 {
		codec = frame.DefaultCodec
	}

	now := time.Now()
	c := &Connection{
		addr:      addr,
		codec:     codec,
		tx:        cfg.Transmitter,
		logger:    logging.OrNop(cfg.Logger).With(logging.KeyPeer, addr.String()),
		metrics:   cfg.Metrics,
		normalize: cfg.NormalizeRooms,
		handlers:  make(map[string][]Handler),
		createdAt: now,
		ready:     make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return c
}

// Addr returns the remote address.
func (c *Connection) Addr() netip.AddrPort {
	return c.addr
}

// CreatedAt returns when the connection was created.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// LastActivity returns the time of the last inbound datagram.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch marks the connection as active now.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IsIdle reports whether the connection has been inactive for longer than
// timeout. A zero timeout never expires.
func (c *Connection) IsIdle(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return time.Since(c.LastActivity()) > timeout
}

// AllowInbound reports whether one more inbound message fits the rate limit.
func (c *Connection) AllowInbound() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Ready returns a channel closed once the connect callbacks for this
// connection have completed.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Removed reports whether the connection has left its registry. Messages
// for a removed connection are no longer dispatched.
func (c *Connection) Removed() bool {
	return c.removed.Load()
}

func (c *Connection) markReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
	})
}

func (c *Connection) roomKey(room string) string {
	if c.normalize {
		return norm.NFC.String(room)
	}
	return room
}

// Subscribe appends h to the handlers of room. Handlers run in
// registration order; registering the same function twice runs it twice.
func (c *Connection) Subscribe(room string, h Handler) {
	if h == nil {
		return
	}
	key := c.roomKey(room)

	c.mu.Lock()
	c.handlers[key] = append(c.handlers[key], h)
	c.mu.Unlock()
}

// Unsubscribe removes every handler of room and returns how many there were.
func (c *Connection) Unsubscribe(room string) int {
	key := c.roomKey(room)

	c.mu.Lock()
	n := len(c.handlers[key])
	delete(c.handlers, key)
	c.mu.Unlock()

	return n
}

// Rooms returns the rooms that have at least one handler, sorted.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.handlers))
}

// Dispatch invokes every handler of room with payload. It returns an
// *UnroutedError when the room has no handlers. A panicking handler is
// logged and the remaining handlers still run.
func (c *Connection) Dispatch(room string, payload []byte) error {
	key := c.roomKey(room)

	c.mu.RLock()
	handlers := slices.Clone(c.handlers[key])
	c.mu.RUnlock()

	c.messagesIn.Add(1)
	c.bytesIn.Add(uint64(len(payload)))

	if len(handlers) == 0 {
		return &UnroutedError{Addr: c.addr, Room: room}
	}

	for _, h := range handlers {
		if err := recovery.Call(c.logger, "room handler "+key, func() { h(payload) }); err != nil {
			c.metrics.RecordHandlerPanic()
		}
	}
	return nil
}

// Send encodes payload for room and transmits it to the remote address.
// Codec errors are returned unchanged; transport errors as *SendError.
func (c *Connection) Send(room string, payload []byte) error {
	data, err := c.codec.Encode(room, payload)
	if err != nil {
		return err
	}
	if serr := c.transmit(room, data); serr != nil {
		return serr
	}
	return nil
}

// transmit writes an already encoded datagram.
func (c *Connection) transmit(room string, data []byte) *SendError {
	if c.tx == nil {
		return &SendError{Addr: c.addr, Room: room, Err: ErrNoTransmitter}
	}
	if err := c.tx.WriteTo(data, c.addr); err != nil {
		return &SendError{Addr: c.addr, Room: room, Err: err}
	}
	c.messagesOut.Add(1)
	c.bytesOut.Add(uint64(len(data)))
	return nil
}

// Stats returns a snapshot of the connection counters.
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		Addr:         c.addr.String(),
		Rooms:        c.Rooms(),
		MessagesIn:   c.messagesIn.Load(),
		MessagesOut:  c.messagesOut.Load(),
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		CreatedAt:    c.createdAt,
		LastActivity: c.LastActivity(),
	}
}

// String returns a string representation of the connection.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{addr=%s, rooms=%d}", c.addr, len(c.Rooms()))
}
