// Package metrics exposes the Prometheus and OpenTelemetry instruments for
// the peer-to-peer networking core. A single process-wide instance is
// registered lazily the first time a component asks for it, mirroring how
// the rest of the node wires observability.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Network bundles every counter/gauge the networking core reports.
type Network struct {
	PeersConnected  *prometheus.GaugeVec
	Handshakes      *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	ReactorTasks    *prometheus.CounterVec
	ReactorQueue    prometheus.Gauge
	PeerRTT         *prometheus.GaugeVec
	BroadcastPeers  prometheus.Gauge

	meter              metric.Meter
	handshakeCounter   metric.Int64Counter
	decodeErrorCounter metric.Int64Counter
}

var (
	once     sync.Once
	instance *Network
)

// Get returns the shared Network metrics instance, registering it with the
// default Prometheus registry and the global OpenTelemetry meter provider on
// first use.
func Get() *Network {
	once.Do(func() {
		n := &Network{
			PeersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "p2p_peers_connected",
				Help: "Currently connected peers by direction.",
			}, []string{"direction"}),
			Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "p2p_handshakes_total",
				Help: "Handshake attempts by terminal state.",
			}, []string{"result"}),
			DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "p2p_decode_errors_total",
				Help: "Frame decode failures by kind.",
			}, []string{"kind"}),
			ReactorTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "p2p_reactor_tasks_total",
				Help: "Tasks produced by the reactor by source.",
			}, []string{"source"}),
			ReactorQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "p2p_reactor_queue_depth",
				Help: "Number of tasks currently in flight in the worker pool.",
			}),
			PeerRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "p2p_peer_rtt_ms",
				Help: "Last observed ping RTT per peer, in milliseconds.",
			}, []string{"peer"}),
			BroadcastPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "p2p_broadcast_peers",
				Help: "Size of the unique peer set targeted by the last broadcast.",
			}),
		}
		prometheus.MustRegister(n.PeersConnected, n.Handshakes, n.DecodeErrors,
			n.ReactorTasks, n.ReactorQueue, n.PeerRTT, n.BroadcastPeers)
		n.initMeter()
		instance = n
	})
	return instance
}

func (n *Network) initMeter() {
	meter := otel.GetMeterProvider().Meter("p2p")
	fallback := func() metric.Meter { return noop.NewMeterProvider().Meter("p2p") }

	handshakeCounter, err := meter.Int64Counter("p2p.handshakes")
	if err != nil {
		meter = fallback()
		handshakeCounter, _ = meter.Int64Counter("p2p.handshakes")
	}
	decodeErrorCounter, err := meter.Int64Counter("p2p.decode_errors")
	if err != nil {
		meter = fallback()
		decodeErrorCounter, _ = meter.Int64Counter("p2p.decode_errors")
	}

	n.meter = meter
	n.handshakeCounter = handshakeCounter
	n.decodeErrorCounter = decodeErrorCounter
}

// ObserveHandshake records a terminal handshake outcome. The networking core
// reports "completed", "self" (self-connect) and "failed" (any handshake
// disconnect with a reason, including a self-connect).
func (n *Network) ObserveHandshake(result string) {
	if n == nil {
		return
	}
	n.Handshakes.WithLabelValues(result).Inc()
	if n.handshakeCounter != nil {
		n.handshakeCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// ObserveDecodeError records a codec failure by kind.
func (n *Network) ObserveDecodeError(kind string) {
	if n == nil {
		return
	}
	n.DecodeErrors.WithLabelValues(kind).Inc()
	if n.decodeErrorCounter != nil {
		n.decodeErrorCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// ObserveReactorTask records which producer source yielded a task.
func (n *Network) ObserveReactorTask(source string) {
	if n == nil {
		return
	}
	n.ReactorTasks.WithLabelValues(source).Inc()
}

// SetPeerCounts updates the connected-peer gauges.
func (n *Network) SetPeerCounts(inbound, outbound int) {
	if n == nil {
		return
	}
	n.PeersConnected.WithLabelValues("inbound").Set(float64(inbound))
	n.PeersConnected.WithLabelValues("outbound").Set(float64(outbound))
}

// ObservePeerRTT records the latest measured RTT for a peer.
func (n *Network) ObservePeerRTT(peerID string, rttMillis float64) {
	if n == nil || peerID == "" {
		return
	}
	n.PeerRTT.WithLabelValues(peerID).Set(rttMillis)
}

// ForgetPeer removes a disconnected peer's per-peer series.
func (n *Network) ForgetPeer(peerID string) {
	if n == nil || peerID == "" {
		return
	}
	n.PeerRTT.DeleteLabelValues(peerID)
}
