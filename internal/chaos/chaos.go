// Package chaos provides fault injection for the relay's datagram paths.
package chaos

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/roomrelay/internal/peer"
)

// ErrInjected is returned by wrapped operations when an error fault fires.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop silently discards a datagram.
	FaultDrop FaultType = iota
	// FaultDelay adds latency to operations.
	FaultDelay
	// FaultPanic causes a panic in a handler.
	FaultPanic
	// FaultError causes an operation to return an error.
	FaultError
)

// None is returned by MaybeInject when no fault fires.
const None FaultType = -1

func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultPanic:
		return "panic"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides when faults fire. Configs are tried in order and
// the first one that fires wins.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(time.Now().UnixNano(), configs...)
}

// NewSeededFaultInjector creates a fault injector with a fixed random seed.
func NewSeededFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// MaybeInject returns the fault to inject, or None, and for FaultDelay the
// delay to apply.
func (f *FaultInjector) MaybeInject() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return None, 0
	}

	for _, cfg := range f.configs {
		if f.rng.Float64() < cfg.Probability {
			f.faultHits[cfg.Type]++
			var delay time.Duration
			if cfg.Type == FaultDelay {
				delay = f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
			}
			return cfg.Type, delay
		}
	}

	return None, 0
}

// Stats returns the number of times each fault fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Transmitter wraps a peer.Transmitter and injects drop, delay and error
// faults into outgoing datagrams.
type Transmitter struct {
	next     peer.Transmitter
	injector *FaultInjector
}

// WrapTransmitter returns next with faults from injector applied.
func WrapTransmitter(next peer.Transmitter, injector *FaultInjector) *Transmitter {
	return &Transmitter{next: next, injector: injector}
}

// WriteTo implements peer.Transmitter.
func (t *Transmitter) WriteTo(b []byte, addr netip.AddrPort) error {
	fault, delay := t.injector.MaybeInject()
	switch fault {
	case FaultDrop:
		// Lost on the wire: the sender sees success.
		return nil
	case FaultError:
		return ErrInjected
	case FaultDelay:
		time.Sleep(delay)
	case FaultPanic:
		panic("chaos: injected panic in transmitter")
	}
	return t.next.WriteTo(b, addr)
}

// WrapHandler returns h with faults from injector applied. Drop and error
// faults skip the handler; panic faults panic before it runs.
func WrapHandler(h peer.Handler, injector *FaultInjector) peer.Handler {
	return func(payload []byte) {
		fault, delay := injector.MaybeInject()
		switch fault {
		case FaultDrop, FaultError:
			return
		case FaultDelay:
			time.Sleep(delay)
		case FaultPanic:
			panic("chaos: injected panic in handler")
		}
		h(payload)
	}
}
