package monitoring

import (
	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peerlink"

// tierScore maps quality tiers onto a gauge, higher is better.
var tierScore = map[domain.QualityTier]float64{
	domain.QualityExcellent: 3,
	domain.QualityGood:      2,
	domain.QualityPoor:      1,
	domain.QualityCritical:  0,
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// CallCollector exports the call daemon's session lifecycle.
type CallCollector struct {
	sessionsActive  prometheus.Gauge
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	offersSent      *prometheus.CounterVec
	answersSent     prometheus.Counter
	reconnAttempts  prometheus.Histogram
	reconnOutcomes  *prometheus.CounterVec
	turnFallbacks   *prometheus.CounterVec
	peerQuality     *prometheus.GaugeVec
	tierTransitions *prometheus.CounterVec
	recoveries      *prometheus.CounterVec
}

var _ ports.CallMetrics = (*CallCollector)(nil)

// NewCallCollector registers on reg, or on the default registry when reg
// is nil.
func NewCallCollector(reg prometheus.Registerer) *CallCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &CallCollector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Peer sessions currently open",
		}),
		sessionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Peer sessions created, by reason",
		}, []string{"reason"}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Peer sessions torn down, by reason",
		}, []string{"reason"}),
		offersSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_sent_total",
			Help:      "SDP offers sent, by reason",
		}, []string{"reason"}),
		answersSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_sent_total",
			Help:      "SDP answers sent",
		}),
		reconnAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnection_attempt_number",
			Help:      "Attempt number of each scheduled reconnection",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}),
		reconnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections_total",
			Help:      "Finished reconnection attempts, by outcome",
		}, []string{"outcome"}),
		turnFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_fallbacks_total",
			Help:      "Relay-only reconnections, by outcome",
		}, []string{"outcome"}),
		peerQuality: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_quality_score",
			Help:      "Current quality tier per peer (3 excellent, 0 critical)",
		}, []string{"peer_id"}),
		tierTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_tier_changes_total",
			Help:      "Quality tier changes, by new tier",
		}, []string{"tier"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_recoveries_total",
			Help:      "Health check recoveries, by issue and outcome",
		}, []string{"issue", "outcome"}),
	}
}

func (c *CallCollector) SessionOpened(reason string) {
	c.sessionsActive.Inc()
	c.sessionsOpened.WithLabelValues(reason).Inc()
}

func (c *CallCollector) SessionClosed(reason string) {
	c.sessionsActive.Dec()
	c.sessionsClosed.WithLabelValues(reason).Inc()
}

func (c *CallCollector) OfferSent(reason string) {
	c.offersSent.WithLabelValues(reason).Inc()
}

func (c *CallCollector) AnswerSent() {
	c.answersSent.Inc()
}

func (c *CallCollector) ReconnectionAttempt(attempt int) {
	c.reconnAttempts.Observe(float64(attempt))
}

func (c *CallCollector) ReconnectionOutcome(success bool) {
	c.reconnOutcomes.WithLabelValues(outcome(success)).Inc()
}

func (c *CallCollector) TURNFallback(success bool) {
	c.turnFallbacks.WithLabelValues(outcome(success)).Inc()
}

func (c *CallCollector) QualityTier(userID domain.UserID, tier domain.QualityTier) {
	c.peerQuality.WithLabelValues(string(userID)).Set(tierScore[tier])
	c.tierTransitions.WithLabelValues(string(tier)).Inc()
}

func (c *CallCollector) ForgetPeer(userID domain.UserID) {
	c.peerQuality.DeleteLabelValues(string(userID))
}

func (c *CallCollector) RecoveryOutcome(issue domain.IssueKind, success bool) {
	c.recoveries.WithLabelValues(string(issue), outcome(success)).Inc()
}

// RelayCollector exports the voice relay's connection and message counts.
type RelayCollector struct {
	connections prometheus.Gauge
	connTotal   prometheus.Counter
	relayed     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

var _ ports.RelayMetrics = (*RelayCollector)(nil)

func NewRelayCollector(reg prometheus.Registerer, instanceID string) *RelayCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"instance_id": instanceID}, reg))

	return &RelayCollector{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		connTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Websocket connections accepted",
		}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Voice messages handled, by type",
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_dropped_total",
			Help:      "Voice messages refused or undeliverable, by reason",
		}, []string{"reason"}),
	}
}

func (r *RelayCollector) ConnectionOpened() {
	r.connections.Inc()
	r.connTotal.Inc()
}

func (r *RelayCollector) ConnectionClosed() {
	r.connections.Dec()
}

func (r *RelayCollector) MessageRelayed(msgType domain.MessageType) {
	r.relayed.WithLabelValues(string(msgType)).Inc()
}

func (r *RelayCollector) MessageDropped(reason string) {
	r.dropped.WithLabelValues(reason).Inc()
}
