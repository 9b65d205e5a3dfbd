// Package control provides a Unix socket control interface for the room relay.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/roomrelay/internal/frame"
	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/peer"
	"github.com/postalsys/roomrelay/internal/recovery"
	"github.com/postalsys/roomrelay/internal/relay"
)

// maxRequestBody bounds POST bodies.
const maxRequestBody = 1 << 20

// Relay is the part of the relay server the control interface drives.
type Relay interface {
	// IsRunning returns true if the relay is accepting datagrams.
	IsRunning() bool

	// Stats returns relay statistics.
	Stats() relay.Stats

	// Peers returns all tracked connections.
	Peers() []*peer.Connection

	// Broadcast sends one message to every tracked connection.
	Broadcast(room string, payload []byte) (peer.BroadcastResult, error)

	// Disconnect removes the connection for addr.
	Disconnect(addr netip.AddrPort) bool
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	relay.Stats
}

// PeersResponse is the response for the peers endpoint.
type PeersResponse struct {
	Peers []peer.ConnectionStats `json:"peers"`
}

// BroadcastRequest is the body of POST /broadcast.
type BroadcastRequest struct {
	Room    string `json:"room"`
	Payload string `json:"payload"`
}

// BroadcastResponse is the response for the broadcast endpoint.
type BroadcastResponse struct {
	Delivered int           `json:"delivered"`
	Failed    []SendFailure `json:"failed,omitempty"`
}

// SendFailure describes one peer a broadcast could not reach.
type SendFailure struct {
	Addr  string `json:"addr"`
	Error string `json:"error"`
}

// DisconnectRequest is the body of POST /disconnect.
type DisconnectRequest struct {
	Addr string `json:"addr"`
}

// DisconnectResponse is the response for the disconnect endpoint.
type DisconnectResponse struct {
	Addr         string `json:"addr"`
	Disconnected bool   `json:"disconnected"`
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./roomrelay.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	relay    Relay
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, r Relay) *Server {
	s := &Server{
		cfg:    cfg,
		relay:  r,
		logger: logging.OrNop(cfg.Logger).With(logging.KeyComponent, "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/broadcast", s.handleBroadcast)
	mux.HandleFunc("/disconnect", s.handleDisconnect)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "control-server")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server failed", logging.KeyError, err)
		}
	}()

	s.logger.Info("control socket listening", logging.KeyAddress, s.cfg.SocketPath)
	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.StopWithContext(ctx)
}

// StopWithContext stops the server and removes the socket file.
func (s *Server) StopWithContext(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Stats: s.relay.Stats()})
}

// handlePeers handles the peers endpoint.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	conns := s.relay.Peers()
	peers := make([]peer.ConnectionStats, len(conns))
	for i, c := range conns {
		peers[i] = c.Stats()
	}

	writeJSON(w, http.StatusOK, PeersResponse{Peers: peers})
}

// handleBroadcast sends one message to every peer.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req BroadcastRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.relay.Broadcast(req.Room, []byte(req.Payload))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, frame.ErrInvalidRoomName) || errors.Is(err, frame.ErrPayloadTooLarge) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	resp := BroadcastResponse{Delivered: result.Delivered}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, SendFailure{Addr: f.Addr.String(), Error: f.Err.Error()})
	}

	s.logger.Info("broadcast requested",
		logging.KeyRoom, req.Room,
		logging.KeyCount, result.Delivered)

	writeJSON(w, http.StatusOK, resp)
}

// handleDisconnect removes one peer.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req DisconnectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	addr, err := netip.ParseAddrPort(req.Addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid addr: "+err.Error())
		return
	}

	if !s.relay.Disconnect(addr) {
		writeError(w, http.StatusNotFound, "peer not found: "+addr.String())
		return
	}

	s.logger.Info("peer disconnect requested", logging.KeyPeer, addr.String())
	writeJSON(w, http.StatusOK, DisconnectResponse{Addr: addr.String(), Disconnected: true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
