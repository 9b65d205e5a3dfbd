package peer

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/roomrelay/internal/frame"
	"github.com/postalsys/roomrelay/internal/metrics"
)

func TestRegistry_ResolveCreatesOnce(t *testing.T) {
	var connects atomic.Int32
	r := NewRegistry(RegistryConfig{
		OnPeerConnected: func(*Connection) {
			// Widen the window in which other resolvers race.
			time.Sleep(10 * time.Millisecond)
			connects.Add(1)
		},
	})

	addr := testAddr(7000)
	const goroutines = 50

	var wg sync.WaitGroup
	conns := make([]*Connection, goroutines)
	created := make([]bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, ok, err := r.Resolve(addr)
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
				return
			}
			conns[i] = c
			created[i] = ok
		}(i)
	}
	wg.Wait()

	if got := connects.Load(); got != 1 {
		t.Errorf("connect callbacks = %d, want 1", got)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}

	creators := 0
	for i := range conns {
		if conns[i] != conns[0] {
			t.Fatalf("Resolve returned different connections for one address")
		}
		if created[i] {
			creators++
		}
	}
	if creators != 1 {
		t.Errorf("created=true reported %d times, want 1", creators)
	}
}

func TestRegistry_ResolveWaitsForConnectCallback(t *testing.T) {
	release := make(chan struct{})
	r := NewRegistry(RegistryConfig{
		OnPeerConnected: func(c *Connection) {
			<-release
			c.Subscribe("chat", func([]byte) {})
		},
	})

	addr := testAddr(7001)
	go r.Resolve(addr)

	// Wait for the first resolver to insert the connection.
	deadline := time.Now().Add(time.Second)
	for r.Get(addr) == nil {
		if time.Now().After(deadline) {
			t.Fatal("connection was never inserted")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan *Connection, 1)
	go func() {
		c, _, _ := r.Resolve(addr)
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("second Resolve returned before the connect callback completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case c := <-done:
		if err := c.Dispatch("chat", nil); err != nil {
			t.Errorf("Dispatch() after connect callback error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Resolve did not return after the connect callback completed")
	}
}

func TestRegistry_ResolveUnmapsAddresses(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	v4 := netip.MustParseAddrPort("10.0.0.1:9000")
	mapped := netip.MustParseAddrPort("[::ffff:10.0.0.1]:9000")

	c1, created1, _ := r.Resolve(v4)
	c2, created2, _ := r.Resolve(mapped)

	if !created1 || created2 {
		t.Errorf("created = %v, %v; want true, false", created1, created2)
	}
	if c1 != c2 {
		t.Error("mapped and plain IPv4 addresses resolved to different connections")
	}
	if c2.Addr() != v4 {
		t.Errorf("Addr() = %v, want %v", c2.Addr(), v4)
	}
}

func TestRegistry_ResolveInvalidAddress(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	if _, _, err := r.Resolve(netip.AddrPort{}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Resolve(zero) error = %v, want ErrInvalidAddress", err)
	}
}

func TestRegistry_MaxPeers(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxPeers: 2})

	for port := uint16(1); port <= 2; port++ {
		if _, _, err := r.Resolve(testAddr(port)); err != nil {
			t.Fatalf("Resolve(%d) error = %v", port, err)
		}
	}

	if _, _, err := r.Resolve(testAddr(3)); !errors.Is(err, ErrTooManyPeers) {
		t.Errorf("Resolve over limit error = %v, want ErrTooManyPeers", err)
	}
	if _, _, err := r.Resolve(testAddr(1)); err != nil {
		t.Errorf("Resolve(existing) at limit error = %v", err)
	}
}

func TestRegistry_BroadcastPartialFailure(t *testing.T) {
	tx := newMockTransmitter()
	r := NewRegistry(RegistryConfig{Transmitter: tx})

	a, b, c := testAddr(8001), testAddr(8002), testAddr(8003)
	for _, addr := range []netip.AddrPort{a, b, c} {
		if _, _, err := r.Resolve(addr); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}

	cause := errors.New("host down")
	tx.failFor[b] = cause

	result, err := r.BroadcastAll("news", []byte("flash"))
	if err != nil {
		t.Fatalf("BroadcastAll() error = %v", err)
	}

	if result.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", result.Delivered)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %d, want 1", len(result.Failed))
	}
	if result.Failed[0].Addr != b {
		t.Errorf("Failed[0].Addr = %v, want %v", result.Failed[0].Addr, b)
	}
	if !errors.Is(result.Failed[0], ErrSendFailure) || !errors.Is(result.Failed[0], cause) {
		t.Errorf("Failed[0] = %v, want ErrSendFailure wrapping %v", result.Failed[0], cause)
	}

	for _, addr := range []netip.AddrPort{a, c} {
		sent := tx.sentTo(addr)
		if len(sent) != 1 || string(sent[0]) != "news<>flash" {
			t.Errorf("sent to %v = %q, want [news<>flash]", addr, sent)
		}
	}
}

func TestRegistry_BroadcastCodecErrorSendsNothing(t *testing.T) {
	tx := newMockTransmitter()
	r := NewRegistry(RegistryConfig{Transmitter: tx, Codec: frame.Codec{MaxDatagramSize: 8}})
	addr := testAddr(8010)
	r.Resolve(addr)

	if _, err := r.BroadcastAll("bad<>room", nil); !errors.Is(err, frame.ErrInvalidRoomName) {
		t.Errorf("BroadcastAll(bad room) error = %v, want ErrInvalidRoomName", err)
	}
	if _, err := r.BroadcastAll("room", []byte("too long")); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Errorf("BroadcastAll(oversize) error = %v, want ErrPayloadTooLarge", err)
	}
	if sent := tx.sentTo(addr); len(sent) != 0 {
		t.Errorf("sent = %q, want nothing", sent)
	}
}

func TestRegistry_BroadcastNoPeers(t *testing.T) {
	r := NewRegistry(RegistryConfig{Transmitter: newMockTransmitter()})

	result, err := r.BroadcastAll("room", []byte("x"))
	if err != nil {
		t.Fatalf("BroadcastAll() error = %v", err)
	}
	if result.Delivered != 0 || len(result.Failed) != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestRegistry_Remove(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	r := NewRegistry(RegistryConfig{
		OnPeerDisconnected: func(c *Connection, reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})

	addr := testAddr(9000)
	r.Resolve(addr)

	if !r.Remove(addr, ReasonExplicit) {
		t.Error("Remove() = false, want true")
	}
	if r.Remove(addr, ReasonExplicit) {
		t.Error("second Remove() = true, want false")
	}
	if r.Get(addr) != nil {
		t.Error("Get() after Remove should return nil")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonExplicit {
		t.Errorf("disconnect reasons = %v, want [explicit]", reasons)
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	var evicted []netip.AddrPort
	r := NewRegistry(RegistryConfig{
		Metrics: m,
		OnPeerDisconnected: func(c *Connection, reason string) {
			if reason != ReasonIdle {
				t.Errorf("reason = %q, want idle", reason)
			}
			evicted = append(evicted, c.Addr())
		},
	})

	stale, fresh := testAddr(9100), testAddr(9101)
	staleConn, _, _ := r.Resolve(stale)
	r.Resolve(fresh)
	staleConn.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	if n := r.EvictIdle(0); n != 0 {
		t.Errorf("EvictIdle(0) = %d, want 0", n)
	}
	if n := r.EvictIdle(time.Minute); n != 1 {
		t.Errorf("EvictIdle() = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != stale {
		t.Errorf("evicted = %v, want [%v]", evicted, stale)
	}
	if r.Get(fresh) == nil {
		t.Error("fresh peer should survive eviction")
	}

	if got := testutil.ToFloat64(m.PeersActive); got != 1 {
		t.Errorf("PeersActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PeerDisconnects.WithLabelValues(ReasonIdle)); got != 1 {
		t.Errorf("PeerDisconnects{idle} = %v, want 1", got)
	}
}

func TestRegistry_RemoveAll(t *testing.T) {
	var count atomic.Int32
	r := NewRegistry(RegistryConfig{
		OnPeerDisconnected: func(*Connection, string) { count.Add(1) },
	})
	for port := uint16(1); port <= 3; port++ {
		r.Resolve(testAddr(port))
	}

	if n := r.RemoveAll(ReasonShutdown); n != 3 {
		t.Errorf("RemoveAll() = %d, want 3", n)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
	if count.Load() != 3 {
		t.Errorf("disconnect callbacks = %d, want 3", count.Load())
	}
}

func TestRegistry_PeersSorted(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	for _, port := range []uint16{30, 10, 20} {
		r.Resolve(testAddr(port))
	}

	peers := r.Peers()
	if len(peers) != 3 {
		t.Fatalf("Peers() len = %d, want 3", len(peers))
	}
	for i, want := range []uint16{10, 20, 30} {
		if peers[i].Addr().Port() != want {
			t.Errorf("Peers()[%d] port = %d, want %d", i, peers[i].Addr().Port(), want)
		}
	}
}

func TestRegistry_ConnectHookPanicStillReady(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		OnPeerConnected: func(*Connection) { panic("hook failed") },
	})

	c, created, err := r.Resolve(testAddr(9200))
	if err != nil || !created {
		t.Fatalf("Resolve() = %v, %v; want created", created, err)
	}

	select {
	case <-c.Ready():
	default:
		t.Error("connection not ready after a panicking connect hook")
	}
}

func TestRegistry_RemoveInsideConnectHook(t *testing.T) {
	var r *Registry
	order := make(chan string, 2)
	r = NewRegistry(RegistryConfig{
		OnPeerConnected: func(c *Connection) {
			r.Remove(c.Addr(), ReasonExplicit)
			order <- "connected"
		},
		OnPeerDisconnected: func(c *Connection, reason string) {
			order <- "disconnected:" + reason
		},
	})

	done := make(chan struct{})
	var conn *Connection
	go func() {
		defer close(done)
		conn, _, _ = r.Resolve(testAddr(9300))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve() blocked on a removal from its own connect hook")
	}

	if conn == nil || !conn.Removed() {
		t.Fatal("connection removed in its connect hook should report Removed()")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}

	for _, want := range []string{"connected", "disconnected:" + ReasonExplicit} {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("event = %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestRegistry_ResolveTouchesExisting(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	addr := testAddr(9400)

	c, _, _ := r.Resolve(addr)
	c.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	if _, _, err := r.Resolve(addr); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if n := r.EvictIdle(time.Minute); n != 0 {
		t.Errorf("EvictIdle() = %d, want 0 after Resolve", n)
	}
	if c.Removed() {
		t.Error("resolved connection reported Removed()")
	}
}
