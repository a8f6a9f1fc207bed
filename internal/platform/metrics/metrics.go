package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the actor host, the event bus,
// subscribers, retry trackers and secondary indexes.
//
// All Observe/Inc helpers are nil-safe so components can run without metrics
// in unit tests.
type Metrics struct {
	ActiveActivations  prometheus.Gauge
	Activations        *prometheus.CounterVec
	Passivations       *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	VersionConflicts   *prometheus.CounterVec
	OutboxPublishFails *prometheus.CounterVec

	EventsPublished      *prometheus.CounterVec
	EventsDelivered      *prometheus.CounterVec
	EventsRedelivered    *prometheus.CounterVec
	EventsDeadLettered   *prometheus.CounterVec
	EventsDuplicate      *prometheus.CounterVec
	SubscriberRejections *prometheus.CounterVec

	RetriesScheduled *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec

	IndexEntries *prometheus.GaugeVec

	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer in
// main and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveActivations: f.NewGauge(prometheus.GaugeOpts{
			Name: "tillhouse_actor_activations_active",
			Help: "Number of live entity activations",
		}),
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_actor_activations_total",
			Help: "Entity activations started, by kind",
		}, []string{"kind"}),
		Passivations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_actor_passivations_total",
			Help: "Entity activations stopped after idling or shutdown, by kind",
		}, []string{"kind"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tillhouse_actor_operation_duration_seconds",
			Help:    "Duration of entity commands and queries including persistence",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind", "op", "outcome"}),
		VersionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_actor_version_conflicts_total",
			Help: "Saves rejected by the optimistic version check, by kind",
		}, []string{"kind"}),
		OutboxPublishFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_actor_outbox_publish_failures_total",
			Help: "Outbox publish attempts that failed and were left pending, by kind",
		}, []string{"kind"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_events_published_total",
			Help: "Domain events published, by type",
		}, []string{"type"}),
		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_events_delivered_total",
			Help: "Domain events acknowledged by a subscriber",
		}, []string{"subscriber"}),
		EventsRedelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_events_redelivered_total",
			Help: "Deliveries retried after a handler error",
		}, []string{"subscriber"}),
		EventsDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_events_dead_lettered_total",
			Help: "Events abandoned after the configured maximum attempts",
		}, []string{"subscriber"}),
		EventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_events_duplicate_total",
			Help: "Deliveries dropped because the event id was recently processed",
		}, []string{"subscriber"}),
		SubscriberRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_subscriber_rejections_total",
			Help: "Follow-on commands rejected by the target entity, by error code",
		}, []string{"subscriber", "code"}),
		RetriesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_retries_scheduled_total",
			Help: "Retries scheduled against unreliable externals, by kind",
		}, []string{"kind"}),
		RetriesExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tillhouse_retries_exhausted_total",
			Help: "Retry trackers that reached exhaustion, by kind",
		}, []string{"kind"}),
		IndexEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tillhouse_index_entries",
			Help: "Entries held by a secondary index activation after its last mutation",
		}, []string{"index"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tillhouse_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) ObserveOperation(kind, op, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(kind, op, outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ActivationStarted(kind string) {
	if m == nil {
		return
	}
	m.ActiveActivations.Inc()
	m.Activations.WithLabelValues(kind).Inc()
}

func (m *Metrics) ActivationStopped(kind string) {
	if m == nil {
		return
	}
	m.ActiveActivations.Dec()
	m.Passivations.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncVersionConflict(kind string) {
	if m == nil {
		return
	}
	m.VersionConflicts.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncOutboxPublishFailure(kind string) {
	if m == nil {
		return
	}
	m.OutboxPublishFails.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDelivered(subscriber string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncRedelivered(subscriber string) {
	if m == nil {
		return
	}
	m.EventsRedelivered.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncDeadLettered(subscriber string) {
	if m == nil {
		return
	}
	m.EventsDeadLettered.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncDuplicate(subscriber string) {
	if m == nil {
		return
	}
	m.EventsDuplicate.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncRejection(subscriber, code string) {
	if m == nil {
		return
	}
	m.SubscriberRejections.WithLabelValues(subscriber, code).Inc()
}

func (m *Metrics) IncRetryScheduled(kind string) {
	if m == nil {
		return
	}
	m.RetriesScheduled.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncRetryExhausted(kind string) {
	if m == nil {
		return
	}
	m.RetriesExhausted.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetIndexEntries(index string, n int) {
	if m == nil {
		return
	}
	m.IndexEntries.WithLabelValues(index).Set(float64(n))
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}
