// Package loadtest provides load generators for a running room relay.
package loadtest

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/roomrelay/internal/client"
)

// EchoMetrics contains metrics from an echo round-trip load test. A
// message still in flight when the test ends is neither received nor lost.
type EchoMetrics struct {
	Clients        int
	Sent           int64
	Received       int64
	Lost           int64
	SendErrors     int64
	BytesSent      int64
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	Duration       time.Duration
	MessagesPerSec float64
}

// LossRate returns the fraction of sent messages that never came back.
func (m *EchoMetrics) LossRate() float64 {
	if m.Sent == 0 {
		return 0
	}
	return float64(m.Lost) / float64(m.Sent)
}

// EchoLoadGenerator sends messages to an echo room from several clients
// and measures round trips.
type EchoLoadGenerator struct {
	clients     int
	payloadSize int
	duration    time.Duration
	room        string

	// ReplyTimeout is how long a client waits for each echo before counting
	// the message as lost.
	ReplyTimeout time.Duration

	// MaxMessages, when positive, stops each client after that many sends.
	MaxMessages int

	sent, received, lost, sendErrors, bytesSent atomic.Int64

	mu         sync.Mutex
	latencySum time.Duration
	minLatency time.Duration
	maxLatency time.Duration
}

// NewEchoLoadGenerator creates a generator running clients concurrent
// senders on room for duration.
func NewEchoLoadGenerator(clients, payloadSize int, duration time.Duration, room string) *EchoLoadGenerator {
	if clients < 1 {
		clients = 1
	}
	return &EchoLoadGenerator{
		clients:      clients,
		payloadSize:  payloadSize,
		duration:     duration,
		room:         room,
		ReplyTimeout: time.Second,
	}
}

// Run executes the load test against the relay at addr.
func (g *EchoLoadGenerator) Run(ctx context.Context, addr string) (*EchoMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	conns := make([]*client.Client, g.clients)
	for i := range conns {
		c, err := client.Dial(ctx, addr)
		if err != nil {
			for _, open := range conns[:i] {
				open.Close()
			}
			return nil, fmt.Errorf("dial client %d: %w", i, err)
		}
		conns[i] = c
	}

	var wg sync.WaitGroup
	startTime := time.Now()

	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			g.runWorker(ctx, i, c)
		}()
	}

	wg.Wait()
	return g.collect(time.Since(startTime)), nil
}

func (g *EchoLoadGenerator) runWorker(ctx context.Context, id int, c *client.Client) {
	prefix := strconv.Itoa(id) + ":"
	filler := bytes.Repeat([]byte("x"), max(0, g.payloadSize))

	for seq := 0; g.MaxMessages <= 0 || seq < g.MaxMessages; seq++ {
		if ctx.Err() != nil {
			return
		}

		payload := append([]byte(prefix+strconv.Itoa(seq)+":"), filler...)
		start := time.Now()
		if err := c.Emit(g.room, payload); err != nil {
			g.sendErrors.Add(1)
			continue
		}
		g.sent.Add(1)
		g.bytesSent.Add(int64(len(payload)))

		if !g.awaitEcho(ctx, c, payload) {
			if ctx.Err() != nil {
				return
			}
			g.lost.Add(1)
			continue
		}
		g.received.Add(1)
		g.recordLatency(time.Since(start))
	}
}

// awaitEcho reads replies until the copy of payload arrives. Stale replies
// from earlier, timed out messages are skipped.
func (g *EchoLoadGenerator) awaitEcho(ctx context.Context, c *client.Client, payload []byte) bool {
	rctx, cancel := context.WithTimeout(ctx, g.ReplyTimeout)
	defer cancel()

	for {
		msg, err := c.Receive(rctx)
		if err != nil {
			return false
		}
		if msg.Room == g.room && bytes.Equal(msg.Payload, payload) {
			return true
		}
	}
}

func (g *EchoLoadGenerator) recordLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latencySum += d
	if g.minLatency == 0 || d < g.minLatency {
		g.minLatency = d
	}
	if d > g.maxLatency {
		g.maxLatency = d
	}
}

func (g *EchoLoadGenerator) collect(elapsed time.Duration) *EchoMetrics {
	m := &EchoMetrics{
		Clients:    g.clients,
		Sent:       g.sent.Load(),
		Received:   g.received.Load(),
		Lost:       g.lost.Load(),
		SendErrors: g.sendErrors.Load(),
		BytesSent:  g.bytesSent.Load(),
		Duration:   elapsed,
	}

	g.mu.Lock()
	m.MinLatency = g.minLatency
	m.MaxLatency = g.maxLatency
	if m.Received > 0 {
		m.AvgLatency = g.latencySum / time.Duration(m.Received)
	}
	g.mu.Unlock()

	if elapsed > 0 {
		m.MessagesPerSec = float64(m.Received) / elapsed.Seconds()
	}
	return m
}

// ChurnMetrics contains metrics from peer churn testing.
type ChurnMetrics struct {
	TotalPeers     int64
	SuccessfulEmit int64
	FailedEmit     int64
	Duration       time.Duration
	ChurnRate      float64
}

// PeerChurnTester opens short-lived clients that each send one message,
// creating a new relay connection per client.
type PeerChurnTester struct {
	concurrency int
	duration    time.Duration
	room        string
}

// NewPeerChurnTester creates a new churn tester.
func NewPeerChurnTester(concurrency int, duration time.Duration, room string) *PeerChurnTester {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PeerChurnTester{
		concurrency: concurrency,
		duration:    duration,
		room:        room,
	}
}

// Run executes the churn test against the relay at addr.
func (t *PeerChurnTester) Run(ctx context.Context, addr string) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var (
		wg                  sync.WaitGroup
		total, okN, failedN atomic.Int64
	)
	startTime := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				total.Add(1)
				c, err := client.Dial(ctx, addr)
				if err != nil {
					failedN.Add(1)
					continue
				}
				if err := c.Emit(t.room, []byte("churn")); err != nil {
					failedN.Add(1)
				} else {
					okN.Add(1)
				}
				c.Close()
			}
		}()
	}

	wg.Wait()

	m := &ChurnMetrics{
		TotalPeers:     total.Load(),
		SuccessfulEmit: okN.Load(),
		FailedEmit:     failedN.Load(),
		Duration:       time.Since(startTime),
	}
	if m.Duration > 0 {
		m.ChurnRate = float64(m.SuccessfulEmit) / m.Duration.Seconds()
	}
	return m, nil
}
