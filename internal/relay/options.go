package relay

import (
	"log/slog"

	"github.com/postalsys/roomrelay/internal/metrics"
	"github.com/postalsys/roomrelay/internal/peer"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics the server records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTransmitWrapper wraps the socket writer used by every peer
// connection, e.g. to inject faults or count writes.
func WithTransmitWrapper(wrap func(peer.Transmitter) peer.Transmitter) Option {
	return func(s *Server) {
		s.wrapTx = wrap
	}
}
