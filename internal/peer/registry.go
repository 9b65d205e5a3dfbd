package peer

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/postalsys/roomrelay/internal/frame"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/metrics"
	"github.com/postalsys/roomrelay/internal/recovery"
)

// Disconnect reasons passed to OnPeerDisconnected.
const (
	ReasonIdle     = metrics.DisconnectIdle
	ReasonExplicit = metrics.DisconnectExplicit
	ReasonShutdown = metrics.DisconnectShutdown
)

// RegistryConfig contains configuration for the peer registry.
type RegistryConfig struct {
	Codec       frame.Codec
	Transmitter Transmitter
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// MaxPeers caps the number of tracked addresses; 0 is unlimited.
	MaxPeers       int
	NormalizeRooms bool
	RateLimit      float64
	RateBurst      int

	// OnPeerConnected runs exactly once per new connection, before Resolve
	// returns it to anyone. It must not call Resolve for the same address.
	OnPeerConnected func(*Connection)
	// OnPeerDisconnected runs after a connection has been removed.
	OnPeerDisconnected func(*Connection, string)
}

// DefaultRegistryConfig returns a config with sensible defaults.
func DefaultRegistryConfig(tx Transmitter) RegistryConfig {
	return RegistryConfig{
		Codec:       frame.DefaultCodec,
		Transmitter: tx,
		MaxPeers:    10000,
	}
}

// BroadcastResult reports the outcome of a broadcast.
type BroadcastResult struct {
	Delivered int
	Failed    []*SendError
}

// Registry maps remote addresses to connections. At most one connection
// exists per address.
type Registry struct {
	cfg     RegistryConfig
	connCfg ConnectionConfig
	logger  *slog.Logger

	mu    sync.RWMutex
	peers map[netip.AddrPort]*Connection
}

// NewRegistry creates a new peer registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Codec.MaxDatagramSize == 0 {
		cfg.Codec = frame.DefaultCodec
	}
	logger := logging.OrNop(cfg.Logger).With(logging.KeyComponent, "registry")

	return &Registry{
		cfg: cfg,
		connCfg: ConnectionConfig{
			Codec:          cfg.Codec,
			Transmitter:    cfg.Transmitter,
			Logger:         cfg.Logger,
			Metrics:        cfg.Metrics,
			NormalizeRooms: cfg.NormalizeRooms,
			RateLimit:      cfg.RateLimit,
			RateBurst:      cfg.RateBurst,
		},
		logger: logger,
		peers:  make(map[netip.AddrPort]*Connection),
	}
}

// normalizeAddr unmaps IPv4-mapped IPv6 addresses so one endpoint always
// yields one key.
func normalizeAddr(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Resolve returns the connection for addr, creating it on first contact,
// and marks it active. created is true for the one caller that created it;
// that caller has run OnPeerConnected before Resolve returns. Concurrent
// callers for the same address block until the connect callback has
// completed. The connect callback may remove the connection again, so
// callers check Removed before using it.
func (r *Registry) Resolve(addr netip.AddrPort) (conn *Connection, created bool, err error) {
	if !addr.IsValid() {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidAddress, addr)
	}
	addr = normalizeAddr(addr)

	// Touching under the lock keeps EvictIdle from removing a connection
	// between lookup and use.
	r.mu.RLock()
	conn, ok := r.peers[addr]
	if ok {
		conn.Touch()
	}
	r.mu.RUnlock()
	if ok {
		<-conn.Ready()
		return conn, false, nil
	}

	r.mu.Lock()
	if conn, ok = r.peers[addr]; ok {
		conn.Touch()
		r.mu.Unlock()
		<-conn.Ready()
		return conn, false, nil
	}
	if r.cfg.MaxPeers > 0 && len(r.peers) >= r.cfg.MaxPeers {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("%w: limit %d", ErrTooManyPeers, r.cfg.MaxPeers)
	}
	conn = newConnection(addr, r.connCfg)
	r.peers[addr] = conn
	count := len(r.peers)
	r.mu.Unlock()

	r.cfg.Metrics.RecordPeerConnect()
	r.logger.Debug("peer connected",
		logging.KeyPeer, addr.String(),
		logging.KeyCount, count)

	defer conn.markReady()
	if r.cfg.OnPeerConnected != nil {
		recovery.Call(r.logger, "peer connected hook", func() {
			r.cfg.OnPeerConnected(conn)
		})
	}

	return conn, true, nil
}

// Get returns the connection for addr, if any.
func (r *Registry) Get(addr netip.AddrPort) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[normalizeAddr(addr)]
}

// Peers returns a snapshot of all connections ordered by address.
func (r *Registry) Peers() []*Connection {
	r.mu.RLock()
	peers := make([]*Connection, 0, len(r.peers))
	for _, c := range r.peers {
		peers = append(peers, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(peers, func(a, b *Connection) int {
		return a.addr.Compare(b.addr)
	})
	return peers
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// BroadcastAll encodes one message and transmits it to every connection.
// Codec errors are returned before anything is sent. Per-peer failures are
// logged and collected in the result; they do not stop the broadcast.
func (r *Registry) BroadcastAll(room string, payload []byte) (BroadcastResult, error) {
	data, err := r.cfg.Codec.Encode(room, payload)
	if err != nil {
		return BroadcastResult{}, err
	}
	r.cfg.Metrics.RecordBroadcast()

	var result BroadcastResult
	for _, c := range r.Peers() {
		if serr := c.transmit(room, data); serr != nil {
			r.logger.Warn("broadcast send failed",
				logging.KeyPeer, c.addr.String(),
				logging.KeyRoom, room,
				logging.KeyError, serr.Err)
			result.Failed = append(result.Failed, serr)
			continue
		}
		result.Delivered++
	}

	return result, nil
}

// Remove drops the connection for addr and fires OnPeerDisconnected.
// It reports whether a connection was removed.
func (r *Registry) Remove(addr netip.AddrPort, reason string) bool {
	addr = normalizeAddr(addr)

	r.mu.Lock()
	conn, ok := r.peers[addr]
	if ok {
		delete(r.peers, addr)
		conn.removed.Store(true)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.disconnected(conn, reason)
	return true
}

// EvictIdle removes every connection idle for longer than timeout and
// returns how many were removed.
func (r *Registry) EvictIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	var idle []*Connection
	r.mu.Lock()
	for addr, c := range r.peers {
		if c.IsIdle(timeout) {
			delete(r.peers, addr)
			c.removed.Store(true)
			idle = append(idle, c)
		}
	}
	r.mu.Unlock()

	for _, c := range idle {
		r.disconnected(c, ReasonIdle)
	}
	return len(idle)
}

// RemoveAll drops every connection with the given reason.
func (r *Registry) RemoveAll(reason string) int {
	r.mu.Lock()
	all := make([]*Connection, 0, len(r.peers))
	for _, c := range r.peers {
		c.removed.Store(true)
		all = append(all, c)
	}
	clear(r.peers)
	r.mu.Unlock()

	for _, c := range all {
		r.disconnected(c, reason)
	}
	return len(all)
}

// disconnected reports a removed connection. Connect must be observed before
// disconnect, so a connection removed from inside its own connect callback
// is reported once that callback returns.
func (r *Registry) disconnected(conn *Connection, reason string) {
	select {
	case <-conn.Ready():
		r.notifyDisconnected(conn, reason)
	default:
		go func() {
			<-conn.Ready()
			r.notifyDisconnected(conn, reason)
		}()
	}
}

func (r *Registry) notifyDisconnected(conn *Connection, reason string) {
	r.cfg.Metrics.RecordPeerDisconnect(reason)
	r.logger.Debug("peer disconnected",
		logging.KeyPeer, conn.addr.String(),
		logging.KeyReason, reason)

	if r.cfg.OnPeerDisconnected != nil {
		recovery.Call(r.logger, "peer disconnected hook", func() {
			r.cfg.OnPeerDisconnected(conn, reason)
		})
	}
}
