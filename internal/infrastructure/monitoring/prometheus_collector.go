package monitoring

import (
	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/signal"
	"peerlink/internal/infrastructure/webrtc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peerlink"

// PrometheusCollector exports connection, media and relay statistics.
type PrometheusCollector struct {
	connectionsCreated *prometheus.CounterVec
	restarts           *prometheus.CounterVec
	restartsRejected   *prometheus.CounterVec
	iceFailures        prometheus.Counter
	stabilized         prometheus.Counter
	activePeers        prometheus.Gauge
	rtpPackets         *prometheus.CounterVec
	rtpBytes           *prometheus.CounterVec
	rtcpPackets        *prometheus.CounterVec
	relayMessages      *prometheus.CounterVec
	relayDeliveries    prometheus.Counter
	relayUndeliverable prometheus.Counter
	relayConnections   prometheus.Gauge
}

var (
	_ ports.ConnectionMetrics = (*PrometheusCollector)(nil)
	_ webrtc.MediaMetrics     = (*PrometheusCollector)(nil)
	_ signal.RelayMetrics     = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the metrics with reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Peer connections created, by whether they replace a restarted one",
		}, []string{"kind"}),

		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Connection restarts that were carried out, by reason",
		}, []string{"reason"}),

		restartsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_rejected_total",
			Help:      "Restart or refresh requests that were refused, by reason",
		}, []string{"reason"}),

		iceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_failures_total",
			Help:      "ICE connection failures observed",
		}),

		stabilized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_stabilized_total",
			Help:      "Connections that reached a stable signaling state with connected ICE",
		}),

		activePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Peers currently present in the registry",
		}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_packets_received_total",
			Help:      "RTP packets read from remote tracks, by media kind",
		}, []string{"kind"}),

		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_payload_bytes_received_total",
			Help:      "RTP payload bytes read from remote tracks, by media kind",
		}, []string{"kind"}),

		rtcpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtcp_packets_total",
			Help:      "RTCP packets processed, by type",
		}, []string{"type"}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Signaling messages routed by the relay, by type",
		}, []string{"type"}),

		relayDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Signaling messages written to room members",
		}),

		relayUndeliverable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "undeliverable_total",
			Help:      "Signaling messages that reached no member",
		}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay WebSocket connections",
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionCreated(restart bool) {
	kind := "initial"
	if restart {
		kind = "restart"
	}
	p.connectionsCreated.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordRestart(reason string) {
	p.restarts.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordRestartRejected(reason string) {
	p.restartsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordICEFailure() { p.iceFailures.Inc() }
func (p *PrometheusCollector) RecordStabilized() { p.stabilized.Inc() }

func (p *PrometheusCollector) SetActivePeers(n int) {
	p.activePeers.Set(float64(n))
}

func (p *PrometheusCollector) RecordRTPPacket(kind string, payloadBytes int) {
	p.rtpPackets.WithLabelValues(kind).Inc()
	p.rtpBytes.WithLabelValues(kind).Add(float64(payloadBytes))
}

func (p *PrometheusCollector) RecordRTCPPacket(packetType string) {
	p.rtcpPackets.WithLabelValues(packetType).Inc()
}

func (p *PrometheusCollector) RecordRelayed(messageType string, delivered int) {
	p.relayMessages.WithLabelValues(messageType).Inc()
	if delivered == 0 {
		p.relayUndeliverable.Inc()
		return
	}
	p.relayDeliveries.Add(float64(delivered))
}

func (p *PrometheusCollector) SetRelayConnections(n int) {
	p.relayConnections.Set(float64(n))
}
