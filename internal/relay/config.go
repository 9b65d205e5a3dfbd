package relay

import (
	"time"

	"github.com/postalsys/roomrelay/internal/dispatch"
	"github.com/postalsys/roomrelay/internal/frame"
)

// DefaultReadBatch is the default number of datagrams read per call.
const DefaultReadBatch = 8

// Config holds configuration for the relay server.
type Config struct {
	// ListenAddress is the UDP address to bind, e.g. "0.0.0.0:8888".
	ListenAddress string

	// MaxDatagramSize bounds an encoded datagram (room, delimiter and
	// payload). Larger inbound datagrams are dropped.
	MaxDatagramSize int

	// ReadBatch is how many datagrams are read per system call.
	// 0 or 1 reads one at a time.
	ReadBatch int

	// IdleTimeout is how long a peer can be silent before it is evicted.
	// 0 means no timeout.
	IdleTimeout time.Duration

	// SweepInterval is how often idle peers are swept.
	// 0 means IdleTimeout/2.
	SweepInterval time.Duration

	// MaxPeers limits tracked peers. 0 means unlimited.
	MaxPeers int

	// RateLimit is the per-peer inbound messages-per-second allowance.
	// 0 means unlimited.
	RateLimit float64
	RateBurst int

	// Workers and QueueSize size the dispatch pool.
	Workers   int
	QueueSize int

	// NormalizeRooms routes room names by their Unicode NFC form.
	NormalizeRooms bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:   "0.0.0.0:8888",
		MaxDatagramSize: frame.DefaultMaxDatagramSize,
		ReadBatch:       DefaultReadBatch,
		IdleTimeout:     5 * time.Minute,
		MaxPeers:        10000,
		Workers:         dispatch.DefaultWorkers,
		QueueSize:       dispatch.DefaultQueueSize,
	}
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return c.IdleTimeout / 2
}
