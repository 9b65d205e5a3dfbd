package chaos

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/roomrelay/internal/peer"
)

// sink records datagrams that made it past the fault layer.
type sink struct {
	mu   sync.Mutex
	sent map[netip.AddrPort][]string
}

func newSink() *sink {
	return &sink{sent: make(map[netip.AddrPort][]string)}
}

func (s *sink) WriteTo(b []byte, addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[addr] = append(s.sent[addr], string(b))
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msgs := range s.sent {
		n += len(msgs)
	}
	return n
}

func TestFaultInjector_Basic(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0, // Always inject
	})

	if fault, _ := injector.MaybeInject(); fault != FaultDrop {
		t.Errorf("MaybeInject() = %v, want drop", fault)
	}

	stats := injector.Stats()
	if stats[FaultDrop] != 1 {
		t.Errorf("drop hits = %d, want 1", stats[FaultDrop])
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 1.0,
	})

	injector.Disable()
	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable")
	}
	if fault, _ := injector.MaybeInject(); fault != None {
		t.Errorf("MaybeInject() = %v when disabled, want none", fault)
	}

	injector.Enable()
	if fault, _ := injector.MaybeInject(); fault != FaultDrop {
		t.Errorf("MaybeInject() = %v after Enable, want drop", fault)
	}
}

func TestFaultInjector_Probability(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDrop,
		Probability: 0.0,
	})

	for i := 0; i < 100; i++ {
		if fault, _ := injector.MaybeInject(); fault != None {
			t.Fatalf("MaybeInject() = %v with 0%% probability", fault)
		}
	}
}

func TestFaultInjector_SeededIsDeterministic(t *testing.T) {
	cfg := FaultConfig{Type: FaultError, Probability: 0.5}
	a := NewSeededFaultInjector(42, cfg)
	b := NewSeededFaultInjector(42, cfg)

	for i := 0; i < 50; i++ {
		fa, _ := a.MaybeInject()
		fb, _ := b.MaybeInject()
		if fa != fb {
			t.Fatalf("call %d: %v != %v with the same seed", i, fa, fb)
		}
	}
}

func TestFaultInjector_Delay(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultDelay,
		Probability: 1.0,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	})

	fault, delay := injector.MaybeInject()
	if fault != FaultDelay {
		t.Fatalf("MaybeInject() = %v, want delay", fault)
	}
	if delay < 10*time.Millisecond || delay > 20*time.Millisecond {
		t.Errorf("delay %v outside expected range [10ms, 20ms]", delay)
	}
}

func TestFaultInjector_Reset(t *testing.T) {
	injector := NewFaultInjector(FaultConfig{
		Type:        FaultError,
		Probability: 1.0,
	})

	injector.MaybeInject()
	injector.Reset()

	if stats := injector.Stats(); stats[FaultError] != 0 {
		t.Errorf("expected 0 hits after reset, got %d", stats[FaultError])
	}
}

func TestFaultType_String(t *testing.T) {
	tests := map[FaultType]string{
		FaultDrop:  "drop",
		FaultDelay: "delay",
		FaultPanic: "panic",
		FaultError: "error",
		None:       "none",
	}
	for ft, want := range tests {
		if got := ft.String(); got != want {
			t.Errorf("FaultType(%d).String() = %q, want %q", int(ft), got, want)
		}
	}
}

func registryWithPeers(t *testing.T, tx peer.Transmitter, n int) *peer.Registry {
	t.Helper()
	reg := peer.NewRegistry(peer.DefaultRegistryConfig(tx))
	for i := 0; i < n; i++ {
		addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(6000+i))
		if _, _, err := reg.Resolve(addr); err != nil {
			t.Fatalf("Resolve(%s) error = %v", addr, err)
		}
	}
	return reg
}

func TestTransmitter_ErrorFaultsFailBroadcast(t *testing.T) {
	out := newSink()
	tx := WrapTransmitter(out, NewFaultInjector(FaultConfig{Type: FaultError, Probability: 1.0}))
	reg := registryWithPeers(t, tx, 3)

	result, err := reg.BroadcastAll("news", []byte("flash"))
	if err != nil {
		t.Fatalf("BroadcastAll() error = %v", err)
	}
	if result.Delivered != 0 || len(result.Failed) != 3 {
		t.Fatalf("result = %d delivered, %d failed, want 0/3", result.Delivered, len(result.Failed))
	}
	for _, f := range result.Failed {
		if !errors.Is(f, ErrInjected) || !errors.Is(f, peer.ErrSendFailure) {
			t.Errorf("failure %v does not match ErrInjected and ErrSendFailure", f)
		}
	}
	if out.count() != 0 {
		t.Errorf("sink received %d datagrams, want 0", out.count())
	}
}

func TestTransmitter_PartialFaults(t *testing.T) {
	out := newSink()
	injector := NewSeededFaultInjector(7, FaultConfig{Type: FaultError, Probability: 0.5})
	tx := WrapTransmitter(out, injector)
	reg := registryWithPeers(t, tx, 20)

	result, err := reg.BroadcastAll("news", []byte("flash"))
	if err != nil {
		t.Fatalf("BroadcastAll() error = %v", err)
	}

	// Every peer is accounted for, and a failed send never stops the others.
	if result.Delivered+len(result.Failed) != 20 {
		t.Errorf("delivered %d + failed %d != 20", result.Delivered, len(result.Failed))
	}
	if int64(len(result.Failed)) != injector.Stats()[FaultError] {
		t.Errorf("failed = %d, injected = %d", len(result.Failed), injector.Stats()[FaultError])
	}
	if out.count() != result.Delivered {
		t.Errorf("sink received %d, want %d", out.count(), result.Delivered)
	}
}

func TestTransmitter_DropLooksDelivered(t *testing.T) {
	out := newSink()
	tx := WrapTransmitter(out, NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0}))
	conn := peer.NewConnection(netip.MustParseAddrPort("127.0.0.1:7000"), peer.ConnectionConfig{Transmitter: tx})

	if err := conn.Send("chat", []byte("lost")); err != nil {
		t.Errorf("Send() error = %v, want nil for a dropped datagram", err)
	}
	if out.count() != 0 {
		t.Errorf("sink received %d datagrams, want 0", out.count())
	}
}

func TestTransmitter_PassThrough(t *testing.T) {
	out := newSink()
	tx := WrapTransmitter(out, NewFaultInjector())
	addr := netip.MustParseAddrPort("127.0.0.1:7001")
	conn := peer.NewConnection(addr, peer.ConnectionConfig{Transmitter: tx})

	if err := conn.Send("chat", []byte("hi")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	if got := out.sent[addr]; len(got) != 1 || got[0] != "chat<>hi" {
		t.Errorf("sent = %q, want [chat<>hi]", got)
	}
}

func TestWrapHandler_PanicIsContained(t *testing.T) {
	conn := peer.NewConnection(netip.MustParseAddrPort("127.0.0.1:7002"), peer.ConnectionConfig{})

	var got []string
	panicky := NewFaultInjector(FaultConfig{Type: FaultPanic, Probability: 1.0})
	conn.Subscribe("chat", WrapHandler(func(p []byte) { got = append(got, "faulty:"+string(p)) }, panicky))
	conn.Subscribe("chat", func(p []byte) { got = append(got, "healthy:"+string(p)) })

	if err := conn.Dispatch("chat", []byte("x")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(got) != 1 || got[0] != "healthy:x" {
		t.Errorf("handlers ran = %v, want only the healthy one", got)
	}
}

func TestWrapHandler_DropSkips(t *testing.T) {
	called := false
	h := WrapHandler(func([]byte) { called = true }, NewFaultInjector(FaultConfig{Type: FaultDrop, Probability: 1.0}))
	h([]byte("x"))
	if called {
		t.Error("handler ran despite drop fault")
	}

	called = false
	h = WrapHandler(func([]byte) { called = true }, NewFaultInjector())
	h([]byte("x"))
	if !called {
		t.Error("handler did not run without faults")
	}
}
