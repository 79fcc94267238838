package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRecorder observes command outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, op string, success bool, duration time.Duration)
}

// DispatchRecorder observes dispatcher activity.
type DispatchRecorder interface {
	ObserveDelivery(handler string, success bool, duration time.Duration)
	ObserveDeadLetter(handler string)
	SetPending(n int)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) ObserveDelivery(string, bool, time.Duration)          {}
func (noopMetrics) ObserveDeadLetter(string)                             {}
func (noopMetrics) SetPending(int)                                       {}

// PrometheusMetrics publishes command and dispatcher metrics to a registry.
type PrometheusMetrics struct {
	commandTotal     *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	deliveryTotal    *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	deadLetters      *prometheus.CounterVec
	pending          prometheus.Gauge
}

// NewPrometheusMetrics registers the garage metrics on reg. A nil reg uses a
// private registry so repeated construction in tests never collides.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		commandTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_command_total",
			Help: "Commands handled by result",
		}, []string{"command", "result"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_command_duration_seconds",
			Help:    "Command latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"command"}),
		deliveryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_event_delivery_total",
			Help: "Handler deliveries by result",
		}, []string{"handler", "result"}),
		deliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garage_event_delivery_duration_seconds",
			Help:    "Handler delivery latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"handler"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "garage_event_dead_letter_total",
			Help: "Deliveries that exhausted their retry budget",
		}, []string{"handler"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "garage_outbox_pending",
			Help: "Events with outstanding dispatch work at the end of the last pass",
		}),
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Observe records a command outcome.
func (m *PrometheusMetrics) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	m.commandTotal.WithLabelValues(op, resultLabel(success)).Inc()
	m.commandDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveDelivery records one handler attempt.
func (m *PrometheusMetrics) ObserveDelivery(handler string, success bool, duration time.Duration) {
	m.deliveryTotal.WithLabelValues(handler, resultLabel(success)).Inc()
	m.deliveryDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// ObserveDeadLetter counts an exhausted delivery.
func (m *PrometheusMetrics) ObserveDeadLetter(handler string) {
	m.deadLetters.WithLabelValues(handler).Inc()
}

// SetPending reports the outbox backlog.
func (m *PrometheusMetrics) SetPending(n int) {
	m.pending.Set(float64(n))
}
