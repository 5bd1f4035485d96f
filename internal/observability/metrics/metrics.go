package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/clinic-voice-booking/internal/dialogue"
)

const namespace = "clinic"

// WebhookMetrics exposes counters/histograms for inbound voice webhooks.
type WebhookMetrics struct {
	inboundTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound voice webhooks",
		}, []string{"provider", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of voice webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.webhookLatency)
	return m
}

func (m *WebhookMetrics) ObserveInbound(provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(provider, status).Inc()
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}

// DialogueMetrics implements dialogue.Metrics.
type DialogueMetrics struct {
	turnsTotal       *prometheus.CounterVec
	turnLatency      *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	safetyValveTotal *prometheus.CounterVec
	commitsTotal     *prometheus.CounterVec
}

var _ dialogue.Metrics = (*DialogueMetrics)(nil)

func NewDialogueMetrics(reg prometheus.Registerer) *DialogueMetrics {
	m := &DialogueMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "turns_total",
			Help:      "Dialogue turns by starting state and result",
		}, []string{"state", "result"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "turn_latency_seconds",
			Help:      "Time spent handling one dialogue turn",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"state"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "transitions_total",
			Help:      "State machine transitions",
		}, []string{"from", "to"}),
		safetyValveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "safety_valve_total",
			Help:      "Calls handed to staff, by reason",
		}, []string{"reason"}),
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "commits_total",
			Help:      "Scheduling commits by objective and result",
		}, []string{"objective", "result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.turnLatency, m.transitionsTotal, m.safetyValveTotal, m.commitsTotal)
	return m
}

func (m *DialogueMetrics) ObserveTurn(state dialogue.State, result string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(string(state), result).Inc()
	m.turnLatency.WithLabelValues(string(state)).Observe(seconds)
}

func (m *DialogueMetrics) ObserveTransition(from, to dialogue.State) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *DialogueMetrics) ObserveSafetyValve(reason string) {
	if m == nil {
		return
	}
	m.safetyValveTotal.WithLabelValues(reason).Inc()
}

func (m *DialogueMetrics) ObserveCommit(objective dialogue.Objective, result string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(string(objective), result).Inc()
}
