package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the permission engine: outbox commits,
// bus deliveries, polling and sweeps. All methods are safe on a nil receiver
// so components run without metrics in tests.
type Metrics struct {
	CommitsTotal        *prometheus.CounterVec
	CommitFailures      prometheus.Counter
	CommitDuration      prometheus.Histogram
	PublishFailures     prometheus.Counter
	RecoveredEvents     prometheus.Counter
	DeliveriesTotal     *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge
	PollAttemptsTotal   *prometheus.CounterVec
	PollOutcomesTotal   *prometheus.CounterVec
	SweepActionsTotal   *prometheus.CounterVec
	SchemaVersionActive *prometheus.GaugeVec
}

// New creates a new Metrics instance with all permission engine metrics registered.
func New() *Metrics {
	return &Metrics{
		CommitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentgrid_outbox_commits_total",
			Help: "Events committed through the outbox, by event type",
		}, []string{"event_type"}),
		CommitFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentgrid_outbox_commit_failures_total",
			Help: "Outbox transactions that failed and published nothing",
		}),
		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentgrid_outbox_commit_duration_seconds",
			Help:    "Duration of outbox transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentgrid_outbox_publish_failures_total",
			Help: "Committed events the bus refused; left for the recovery sweep",
		}),
		RecoveredEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentgrid_outbox_recovered_events_total",
			Help: "Unpublished events replayed by the recovery sweep",
		}),
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentgrid_eventbus_deliveries_total",
			Help: "Handler invocations by handler and result (ok, error, panic)",
		}, []string{"handler", "result"}),
		HandlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentgrid_eventbus_handler_duration_seconds",
			Help:    "Duration of event handler invocations",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "consentgrid_eventbus_queue_depth",
			Help: "Deliveries waiting in worker queues",
		}),
		PollAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentgrid_polling_attempts_total",
			Help: "Administrator data requests by connector and error kind (none on success)",
		}, []string{"connector", "kind"}),
		PollOutcomesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentgrid_polling_outcomes_total",
			Help: "Poll results by connector and outcome",
		}, []string{"connector", "outcome"}),
		SweepActionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentgrid_sweep_actions_total",
			Help: "Requests acted on by periodic sweeps, by sweep",
		}, []string{"sweep"}),
		SchemaVersionActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consentgrid_connector_schema_version_info",
			Help: "Set to 1 for the schema version each connector currently uses",
		}, []string{"connector", "version"}),
	}
}

// IncrementCommit records a successful outbox commit.
func (m *Metrics) IncrementCommit(eventType string) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(eventType).Inc()
}

// IncrementCommitFailure records a failed outbox transaction.
func (m *Metrics) IncrementCommitFailure() {
	if m == nil {
		return
	}
	m.CommitFailures.Inc()
}

// ObserveCommit records the duration of an outbox transaction.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveCommit(start time.Time) {
	if m == nil {
		return
	}
	m.CommitDuration.Observe(time.Since(start).Seconds())
}

// IncrementPublishFailure records an event the bus did not accept.
func (m *Metrics) IncrementPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// AddRecovered records events replayed by the recovery sweep.
func (m *Metrics) AddRecovered(n int) {
	if m == nil {
		return
	}
	m.RecoveredEvents.Add(float64(n))
}

// ObserveDelivery records one handler invocation.
func (m *Metrics) ObserveDelivery(handler, result string, start time.Time) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(handler, result).Inc()
	m.HandlerDuration.WithLabelValues(handler).Observe(time.Since(start).Seconds())
}

// AddQueueDepth moves the worker queue gauge by delta.
func (m *Metrics) AddQueueDepth(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

// IncrementPollAttempt records one administrator data request.
func (m *Metrics) IncrementPollAttempt(connector, kind string) {
	if m == nil {
		return
	}
	m.PollAttemptsTotal.WithLabelValues(connector, kind).Inc()
}

// IncrementPollOutcome records the result of one Poll call.
func (m *Metrics) IncrementPollOutcome(connector, outcome string) {
	if m == nil {
		return
	}
	m.PollOutcomesTotal.WithLabelValues(connector, outcome).Inc()
}

// AddSweepActions records requests a sweep acted on.
func (m *Metrics) AddSweepActions(sweep string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepActionsTotal.WithLabelValues(sweep).Add(float64(n))
}

// SetSchemaVersion marks version as the active schema for connector.
func (m *Metrics) SetSchemaVersion(connector, previous, version string) {
	if m == nil {
		return
	}
	if previous != "" && previous != version {
		m.SchemaVersionActive.WithLabelValues(connector, previous).Set(0)
	}
	m.SchemaVersionActive.WithLabelValues(connector, version).Set(1)
}
