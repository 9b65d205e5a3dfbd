// Package metrics provides Prometheus metrics for the room relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "roomrelay"
)

// Drop reasons used as the "reason" label of DatagramsDropped.
const (
	DropOversize          = "oversize"
	DropMalformed         = "malformed"
	DropRateLimited       = "rate_limited"
	DropTooManyPeers      = "too_many_peers"
	DropDispatchQueueFull = "dispatch_queue_full"
	DropStopped           = "stopped"
	DropDisconnected      = "disconnected"
)

// Disconnect reasons used as the "reason" label of PeerDisconnects.
const (
	DisconnectIdle     = "idle"
	DisconnectExplicit = "explicit"
	DisconnectShutdown = "shutdown"
)

// Metrics contains all Prometheus metrics for a relay server.
//
// All Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Peer metrics
	PeersActive     prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerDisconnects *prometheus.CounterVec

	// Inbound metrics
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	ReceiveErrors     prometheus.Counter

	// Dispatch metrics
	MessagesDispatched prometheus.Counter
	MessagesUnrouted   prometheus.Counter
	HandlerPanics      prometheus.Counter
	DispatchQueueDepth prometheus.Gauge
	DispatchLatency    prometheus.Histogram

	// Outbound metrics
	DatagramsSent prometheus.Counter
	BytesSent     prometheus.Counter
	SendErrors    prometheus.Counter
	Broadcasts    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_active",
			Help:      "Number of peers currently in the registry",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections created",
		}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer removals by reason",
		}, []string{"reason"}),

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams read from the socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the socket",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total inbound datagrams dropped by reason",
		}, []string{"reason"}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total socket read errors",
		}),

		MessagesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total messages delivered to at least one room subscriber",
		}),
		MessagesUnrouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_unrouted_total",
			Help:      "Total messages for rooms with no subscribers",
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total panics recovered from room subscribers",
		}),
		DispatchQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Number of dispatch tasks waiting for a worker",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time from datagram receipt to subscriber completion",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams written to the socket",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to the socket",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total socket write errors",
		}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total broadcast operations",
		}),
	}
}

// RecordPeerConnect records a newly created peer connection.
func (m *Metrics) RecordPeerConnect() {
	if m == nil {
		return
	}
	m.PeersActive.Inc()
	m.PeersTotal.Inc()
}

// RecordPeerDisconnect records a peer removal.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	if m == nil {
		return
	}
	m.PeersActive.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordReceive records one datagram read from the socket.
func (m *Metrics) RecordReceive(bytes int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordDrop records an inbound datagram dropped for reason.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordReceiveError records a socket read error.
func (m *Metrics) RecordReceiveError() {
	if m == nil {
		return
	}
	m.ReceiveErrors.Inc()
}

// RecordDispatch records a routed message and its end-to-end latency.
func (m *Metrics) RecordDispatch(latencySeconds float64) {
	if m == nil {
		return
	}
	m.MessagesDispatched.Inc()
	m.DispatchLatency.Observe(latencySeconds)
}

// RecordUnrouted records a message for a room with no subscribers.
func (m *Metrics) RecordUnrouted() {
	if m == nil {
		return
	}
	m.MessagesUnrouted.Inc()
}

// RecordHandlerPanic records a recovered subscriber panic.
func (m *Metrics) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.HandlerPanics.Inc()
}

// SetDispatchQueueDepth sets the current dispatch backlog.
func (m *Metrics) SetDispatchQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(depth))
}

// RecordSend records one datagram written to the socket.
func (m *Metrics) RecordSend(bytes int) {
	if m == nil {
		return
	}
	m.DatagramsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordSendError records a socket write error.
func (m *Metrics) RecordSendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

// RecordBroadcast records a broadcast operation.
func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
}
