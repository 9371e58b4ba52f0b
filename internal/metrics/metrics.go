// Package metrics exposes Prometheus collectors for escalation, delivery, and ingest.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escalation/internal/domain"
)

const namespace = "escalation"

// Metrics owns a private registry and implements the coordinator recorder
// and dispatcher delivery observer.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	staleTimers   *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	policyErrors  *prometheus.CounterVec
	partial       prometheus.Counter
	failedTargets prometheus.Counter
	stepDuration  *prometheus.HistogramVec
	deliveries    *prometheus.CounterVec
	deliveryTime  *prometheus.HistogramVec
	ingested      *prometheus.CounterVec
}

// New registers all collectors, plus Go runtime and process collectors.
// Returns: metrics set or registration error on duplicate names.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Escalation state transitions by kind.",
		}, []string{"kind"}),
		staleTimers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_timers_total",
			Help:      "Acknowledgement timeouts absorbed as stale, by reason.",
		}, []string{"reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_conflicts_total",
			Help:      "Optimistic concurrency conflicts on alert state writes.",
		}, []string{"operation"}),
		policyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_errors_total",
			Help:      "Transitions failed on a missing or malformed escalation policy.",
		}, []string{"kind"}),
		partial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_deliveries_total",
			Help:      "Escalation steps where at least one target failed.",
		}),
		failedTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_targets_total",
			Help:      "Targets that failed within partially delivered steps.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Coordinator operation duration.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"operation"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Per-target notification outcomes by channel.",
		}, []string{"channel", "outcome"}),
		deliveryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_duration_seconds",
			Help:      "Per-target delivery duration including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_events_total",
			Help:      "Inbound events by source, type, and result.",
		}, []string{"source", "type", "result"}),
	}

	for _, collector := range []prometheus.Collector{
		m.transitions, m.staleTimers, m.conflicts, m.policyErrors, m.partial, m.failedTargets,
		m.stepDuration, m.deliveries, m.deliveryTime, m.ingested,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Transition(kind string) {
	m.transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) StaleTimer(reason string) {
	m.staleTimers.WithLabelValues(reason).Inc()
}

func (m *Metrics) Conflict(operation string) {
	m.conflicts.WithLabelValues(operation).Inc()
}

func (m *Metrics) PolicyError(kind string) {
	m.policyErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) PartialDelivery(failed int) {
	m.partial.Inc()
	m.failedTargets.Add(float64(failed))
}

func (m *Metrics) StepDuration(operation string, elapsed time.Duration) {
	m.stepDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// DeliveryOutcome records one per-target dispatch result.
func (m *Metrics) DeliveryOutcome(channel domain.Channel, outcome string, elapsed time.Duration) {
	m.deliveries.WithLabelValues(string(channel), outcome).Inc()
	m.deliveryTime.WithLabelValues(string(channel)).Observe(elapsed.Seconds())
}

// Ingested records one inbound event result ("ok", "invalid", "retry").
func (m *Metrics) Ingested(source string, eventType domain.EventType, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.ingested.WithLabelValues(source, string(eventType), result).Inc()
}
