// Package relay implements the room relay server: one UDP socket shared by
// all remote peers, each tracked as a virtual connection whose messages are
// dispatched to room subscribers.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/roomrelay/internal/dispatch"
	"github.com/postalsys/roomrelay/internal/frame"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/metrics"
	"github.com/postalsys/roomrelay/internal/peer"
	"github.com/postalsys/roomrelay/internal/recovery"
)

// Stats is a point-in-time view of the server.
type Stats struct {
	Running         bool      `json:"running"`
	ListenAddress   string    `json:"listen_address"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	Uptime          string    `json:"uptime,omitempty"`
	Peers           int       `json:"peers"`
	MaxDatagramSize int       `json:"max_datagram_size"`
	Workers         int       `json:"workers"`
	QueueDepth      int       `json:"queue_depth"`
	QueueCapacity   int       `json:"queue_capacity"`
}

// Server is a room relay bound to one UDP socket.
type Server struct {
	cfg      Config
	codec    frame.Codec
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *peer.Registry
	wrapTx   func(peer.Transmitter) peer.Transmitter

	hookMu       sync.RWMutex
	onConnect    []func(*peer.Connection)
	onDisconnect []func(*peer.Connection, string)

	mu        sync.Mutex // guards lifecycle fields below
	conn      *net.UDPConn
	pool      *dispatch.Pool
	startedAt time.Time
	stopped   bool

	sock    atomic.Pointer[net.UDPConn] // write side, nil when not running
	writeMu sync.Mutex
	running atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New creates a relay server. Call Start to bind the socket.
func New(cfg Config, opts ...Option) *Server {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = frame.DefaultMaxDatagramSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		codec:  frame.Codec{MaxDatagramSize: cfg.MaxDatagramSize},
		logger: logging.NopLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.KeyComponent, "relay")

	var tx peer.Transmitter = s
	if s.wrapTx != nil {
		tx = s.wrapTx(tx)
	}

	s.registry = peer.NewRegistry(peer.RegistryConfig{
		Codec:              s.codec,
		Transmitter:        tx,
		Logger:             s.logger,
		Metrics:            s.metrics,
		MaxPeers:           cfg.MaxPeers,
		NormalizeRooms:     cfg.NormalizeRooms,
		RateLimit:          cfg.RateLimit,
		RateBurst:          cfg.RateBurst,
		OnPeerConnected:    s.fireConnect,
		OnPeerDisconnected: s.fireDisconnect,
	})

	return s
}

// OnConnect registers fn to run once for every new peer connection, before
// the first message of that connection is dispatched. Subscriptions made in
// fn therefore see the message that created the connection. A hook may
// reject the peer by calling Disconnect; the triggering message is then
// dropped. A panicking hook does not stop the hooks registered after it.
func (s *Server) OnConnect(fn func(*peer.Connection)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.hookMu.Unlock()
}

// OnDisconnect registers fn to run when a peer is evicted, disconnected or
// dropped at shutdown. The reason is one of the peer.Reason* values.
func (s *Server) OnDisconnect(fn func(*peer.Connection, string)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.hookMu.Unlock()
}

func (s *Server) fireConnect(c *peer.Connection) {
	s.hookMu.RLock()
	hooks := s.onConnect
	s.hookMu.RUnlock()

	for _, fn := range hooks {
		recovery.Call(s.logger, "connect hook", func() { fn(c) })
	}
}

func (s *Server) fireDisconnect(c *peer.Connection, reason string) {
	s.hookMu.RLock()
	hooks := s.onDisconnect
	s.hookMu.RUnlock()

	for _, fn := range hooks {
		recovery.Call(s.logger, "disconnect hook", func() { fn(c, reason) })
	}
}

// Start binds the listen address and starts the receive loop, the dispatch
// workers and the idle sweeper. A bind failure is returned as *BindError.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerStopped
	}
	if s.conn != nil {
		return ErrAlreadyRunning
	}

	laddr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddress)
	if err != nil {
		return &BindError{Address: s.cfg.ListenAddress, Err: err}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return &BindError{Address: s.cfg.ListenAddress, Err: err}
	}

	s.conn = conn
	s.sock.Store(conn)
	s.pool = dispatch.NewPool(dispatch.Config{
		Workers:   s.cfg.Workers,
		QueueSize: s.cfg.QueueSize,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.receiveLoop(conn, s.pool)

	if s.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}

	s.logger.Info("relay listening",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		"max_datagram", humanize.IBytes(uint64(s.codec.MaxDatagramSize)),
		"workers", s.pool.Workers(),
		"read_batch", max(1, s.cfg.ReadBatch),
		"idle_timeout", s.cfg.IdleTimeout)

	return nil
}

// receiveLoop is the only reader of the socket.
func (s *Server) receiveLoop(conn *net.UDPConn, pool *dispatch.Pool) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "receive-loop")

	if s.cfg.ReadBatch > 1 {
		s.receiveBatches(conn, pool)
		return
	}

	// One extra byte detects datagrams the kernel had to truncate.
	buf := make([]byte, s.codec.MaxDatagramSize+1)

	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.receiveStopped(err) {
				return
			}
			continue
		}

		s.handleDatagram(pool, buf[:n], src, time.Now())
	}
}

// receiveBatches reads up to ReadBatch datagrams per system call.
func (s *Server) receiveBatches(conn *net.UDPConn, pool *dispatch.Pool) {
	reader := newBatchReader(conn)
	msgs := newBatch(s.cfg.ReadBatch, s.codec.MaxDatagramSize+1)

	for {
		n, err := reader.ReadBatch(msgs, 0)
		if err != nil {
			if s.receiveStopped(err) {
				return
			}
			continue
		}

		received := time.Now()
		for i := range msgs[:n] {
			m := &msgs[i]
			src, ok := addrPortOf(m.Addr)
			if !ok {
				s.metrics.RecordReceiveError()
				continue
			}
			s.handleDatagram(pool, m.Buffers[0][:m.N], src, received)
		}
	}
}

// receiveStopped reports whether a read error means the socket is shutting
// down. Other errors are counted and logged.
func (s *Server) receiveStopped(err error) bool {
	if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	s.metrics.RecordReceiveError()
	s.logger.Warn("receive failed", logging.KeyError, err)
	return false
}

// handleDatagram processes one inbound datagram. data aliases the receive
// buffer and is only valid until it returns.
func (s *Server) handleDatagram(pool *dispatch.Pool, data []byte, src netip.AddrPort, received time.Time) {
	s.metrics.RecordReceive(len(data))
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	if len(data) > s.codec.MaxDatagramSize {
		s.metrics.RecordDrop(metrics.DropOversize)
		s.logger.Warn("oversize datagram dropped",
			logging.KeyPeer, src.String(),
			"limit", humanize.IBytes(uint64(s.codec.MaxDatagramSize)))
		return
	}

	conn, _, err := s.registry.Resolve(src)
	if err != nil {
		if errors.Is(err, peer.ErrTooManyPeers) {
			s.metrics.RecordDrop(metrics.DropTooManyPeers)
		}
		s.logger.Warn("datagram dropped",
			logging.KeyPeer, src.String(),
			logging.KeyError, err)
		return
	}
	if conn.Removed() {
		s.metrics.RecordDrop(metrics.DropDisconnected)
		s.logger.Debug("datagram for disconnected peer dropped", logging.KeyPeer, src.String())
		return
	}

	if !conn.AllowInbound() {
		s.metrics.RecordDrop(metrics.DropRateLimited)
		s.logger.Debug("rate limited datagram dropped", logging.KeyPeer, src.String())
		return
	}

	msg, err := s.codec.Decode(data)
	if err != nil {
		s.metrics.RecordDrop(metrics.DropMalformed)
		s.logger.Warn("malformed datagram dropped",
			logging.KeyPeer, src.String(),
			logging.KeyBytes, len(data),
			logging.KeyError, err)
		return
	}

	err = pool.Submit(func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if conn.Removed() {
			s.metrics.RecordDrop(metrics.DropDisconnected)
			return
		}
		if err := conn.Dispatch(msg.Room, msg.Payload); err != nil {
			s.metrics.RecordUnrouted()
			s.logger.Warn("unrouted message",
				logging.KeyPeer, src.String(),
				logging.KeyRoom, msg.Room)
			return
		}
		s.metrics.RecordDispatch(time.Since(received).Seconds())
	})
	if errors.Is(err, dispatch.ErrPoolClosed) {
		s.metrics.RecordDrop(metrics.DropStopped)
	}
}

// sweepLoop periodically evicts idle peers.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "idle-sweeper")

	ticker := time.NewTicker(s.cfg.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.EvictIdle(s.cfg.IdleTimeout); n > 0 {
				s.logger.Debug("evicted idle peers", logging.KeyCount, n)
			}
		}
	}
}

// WriteTo transmits one datagram. Writes from all goroutines are
// serialized.
func (s *Server) WriteTo(b []byte, addr netip.AddrPort) error {
	conn := s.sock.Load()
	if conn == nil {
		return ErrNotRunning
	}

	s.writeMu.Lock()
	n, err := conn.WriteToUDPAddrPort(b, addr)
	s.writeMu.Unlock()

	if err != nil {
		s.metrics.RecordSendError()
		return err
	}
	s.metrics.RecordSend(n)
	return nil
}

// Broadcast sends room/payload to every known peer.
func (s *Server) Broadcast(room string, payload []byte) (peer.BroadcastResult, error) {
	return s.registry.BroadcastAll(room, payload)
}

// Disconnect forgets the peer at addr. It reports whether one was known.
// Queued messages of that peer are dropped rather than dispatched.
func (s *Server) Disconnect(addr netip.AddrPort) bool {
	return s.registry.Remove(addr, peer.ReasonExplicit)
}

// Peer returns the connection for addr, if any.
func (s *Server) Peer(addr netip.AddrPort) *peer.Connection {
	return s.registry.Get(addr)
}

// Peers returns a snapshot of all peer connections.
func (s *Server) Peers() []*peer.Connection {
	return s.registry.Peers()
}

// LocalAddr returns the bound socket address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	conn := s.sock.Load()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr()
}

// IsRunning reports whether the server is accepting datagrams.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats returns current server statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	pool := s.pool
	startedAt := s.startedAt
	s.mu.Unlock()

	stats := Stats{
		Running:         s.IsRunning(),
		ListenAddress:   s.cfg.ListenAddress,
		Peers:           s.registry.Count(),
		MaxDatagramSize: s.codec.MaxDatagramSize,
	}
	if addr := s.LocalAddr(); addr != nil {
		stats.ListenAddress = addr.String()
	}
	if !startedAt.IsZero() {
		stats.StartedAt = startedAt
		stats.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	if pool != nil {
		stats.Workers = pool.Workers()
		stats.QueueDepth = pool.Len()
		stats.QueueCapacity = pool.Cap()
	}
	return stats
}

// Stop shuts the server down and waits for all goroutines.
func (s *Server) Stop() error {
	return s.StopWithContext(context.Background())
}

// StopWithContext stops reading, drains the dispatch backlog (bounded by
// ctx), drops every peer and closes the socket. It is safe to call more
// than once; later calls return the result of the first.
func (s *Server) StopWithContext(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
	})
	return s.stopErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	conn := s.conn
	pool := s.pool
	s.mu.Unlock()

	s.running.Store(false)
	s.cancel()

	if conn == nil {
		return nil
	}

	s.logger.Info("stopping relay", logging.KeyCount, s.registry.Count())

	// Unblock the reader without closing the socket so queued dispatch
	// tasks can still reply.
	conn.SetReadDeadline(time.Now())
	s.wg.Wait()

	drainErr := pool.CloseWithContext(ctx)
	s.registry.RemoveAll(peer.ReasonShutdown)

	s.sock.Store(nil)
	closeErr := conn.Close()

	s.logger.Info("relay stopped")
	return errors.Join(drainErr, closeErr)
}
