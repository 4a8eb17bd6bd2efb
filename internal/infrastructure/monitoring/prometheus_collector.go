package monitoring

import (
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records both call agent and relay metrics. Each
// binary registers it once against its own registry.
type PrometheusCollector struct {
	// Call agent
	callStage            *prometheus.GaugeVec
	linkStateTransitions *prometheus.CounterVec
	negotiationDuration  prometheus.Histogram
	negotiationTimeouts  prometheus.Counter
	signalingFailures    *prometheus.CounterVec
	mediaAccessFailures  *prometheus.CounterVec
	linkPacketsReceived  *prometheus.GaugeVec
	linkBytesReceived    *prometheus.GaugeVec
	linkBytesSent        *prometheus.GaugeVec
	linkKeyframeRequests *prometheus.GaugeVec

	// Relay
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messagesRejected  *prometheus.CounterVec
	roomsActive       prometheus.Gauge
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)

var callStages = []domain.CallStage{domain.StageWaiting, domain.StageSetup, domain.StageCalling, domain.StageEnded}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callStage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_call_stage",
			Help: "Current call stage, 1 for the active stage",
		}, []string{"stage"}),

		linkStateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_link_state_transitions_total",
			Help: "Peer link state transitions by target state",
		}, []string{"state"}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callmesh_negotiation_duration_seconds",
			Help:    "Time from link creation until media connectivity",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		negotiationTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "callmesh_negotiation_timeouts_total",
			Help: "Peer links that failed to connect in time",
		}),

		signalingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_signaling_failures_total",
			Help: "Signaling messages that could not be sent",
		}, []string{"type"}),

		mediaAccessFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_media_access_failures_total",
			Help: "Capture failures by reason",
		}, []string{"reason"}),

		linkPacketsReceived: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_link_packets_received",
			Help: "RTP packets received on a peer link",
		}, []string{"peer_id"}),

		linkBytesReceived: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_link_bytes_received",
			Help: "RTP payload bytes received on a peer link",
		}, []string{"peer_id"}),

		linkBytesSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_link_bytes_sent",
			Help: "RTP bytes sent on a peer link",
		}, []string{"peer_id"}),

		linkKeyframeRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_link_keyframe_requests",
			Help: "Keyframe requests received from the remote peer",
		}, []string{"peer_id"}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callmesh_relay_connections_active",
			Help: "Open signaling connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "callmesh_relay_connections_total",
			Help: "Signaling connections accepted",
		}),

		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_relay_messages_routed_total",
			Help: "Envelopes routed by type and route",
		}, []string{"type", "route"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callmesh_relay_messages_rejected_total",
			Help: "Envelopes rejected by reason",
		}, []string{"reason"}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callmesh_relay_rooms_active",
			Help: "Sessions with at least one connected peer",
		}),
	}
}

func (p *PrometheusCollector) RecordStage(stage domain.CallStage) {
	for _, s := range callStages {
		v := 0.0
		if s == stage {
			v = 1
		}
		p.callStage.WithLabelValues(string(s)).Set(v)
	}
}

func (p *PrometheusCollector) RecordLinkState(state domain.ConnectionState) {
	p.linkStateTransitions.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) RecordNegotiation(duration time.Duration) {
	p.negotiationDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordNegotiationTimeout() {
	p.negotiationTimeouts.Inc()
}

func (p *PrometheusCollector) RecordSignalingFailure(msgType domain.MessageType) {
	p.signalingFailures.WithLabelValues(string(msgType)).Inc()
}

func (p *PrometheusCollector) RecordMediaAccessFailure(reason domain.MediaAccessReason) {
	p.mediaAccessFailures.WithLabelValues(string(reason)).Inc()
}

func (p *PrometheusCollector) RecordLinkStats(stats domain.LinkStats) {
	peer := string(stats.PeerID)
	p.linkPacketsReceived.WithLabelValues(peer).Set(float64(stats.PacketsReceived))
	p.linkBytesReceived.WithLabelValues(peer).Set(float64(stats.BytesReceived))
	p.linkBytesSent.WithLabelValues(peer).Set(float64(stats.BytesSent))
	p.linkKeyframeRequests.WithLabelValues(peer).Set(float64(stats.KeyframeRequests))
}

// ForgetLink drops the per-link series once a peer leaves.
func (p *PrometheusCollector) ForgetLink(peerID domain.PeerID) {
	peer := string(peerID)
	p.linkPacketsReceived.DeleteLabelValues(peer)
	p.linkBytesReceived.DeleteLabelValues(peer)
	p.linkBytesSent.DeleteLabelValues(peer)
	p.linkKeyframeRequests.DeleteLabelValues(peer)
}

func (p *PrometheusCollector) RecordConnectionOpened(domain.SessionID) {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed(domain.SessionID) {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordMessageRouted(msgType domain.MessageType, route string) {
	p.messagesRouted.WithLabelValues(string(msgType), route).Inc()
}

func (p *PrometheusCollector) RecordMessageRejected(reason string) {
	p.messagesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetActiveRooms(n int) {
	p.roomsActive.Set(float64(n))
}
