// Package metrics holds the Prometheus collectors of the alert service.
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alert_service"

// Alert check outcomes.
const (
	OutcomeNoResults   = "no_results"
	OutcomeNoNew       = "no_new"
	OutcomeNotified    = "notified"
	OutcomeSendFailed  = "send_failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Metrics holds all alert-service collectors.
type Metrics struct {
	registry *prometheus.Registry

	AlertsProcessed *prometheus.CounterVec
	NewListings     prometheus.Counter
	Notifications   *prometheus.CounterVec
	ProcessDuration prometheus.Histogram
	BreakerOpen     prometheus.Gauge
	BreakerTrips    prometheus.Counter
	QueueDepth      *prometheus.GaugeVec
	ItemsRetried    prometheus.Counter
	ItemsFailed     prometheus.Counter
	ScheduledAlerts prometheus.Counter
	EventsDropped   prometheus.Counter
}

// New registers the collectors on a fresh registry, so several instances can
// coexist in one process (tests).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AlertsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_processed_total",
			Help:      "Alert checks by outcome",
		}, []string{"outcome"}),
		NewListings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_listings_total",
			Help:      "Listings selected for notification",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_records_total",
			Help:      "Notification records written by delivery status",
		}, []string{"status"}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_check_duration_seconds",
			Help:      "Duration of one alert check",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the circuit breaker holds the queue paused",
		}),
		BreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Times the circuit breaker paused the queue",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Queue items by state",
		}, []string{"state"}),
		ItemsRetried: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_retried_total",
			Help:      "Queue items rescheduled after a retryable failure",
		}),
		ItemsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_failed_total",
			Help:      "Queue items moved to the failed set",
		}),
		ScheduledAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_alerts_total",
			Help:      "Alerts fanned out by the scheduler",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Best-effort user events that could not be published",
		}),
	}
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAlert(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AlertsProcessed.WithLabelValues(outcome).Inc()
	m.ProcessDuration.Observe(seconds)
}

func (m *Metrics) AddNewListings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.NewListings.Add(float64(n))
}

func (m *Metrics) AddNotifications(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Notifications.WithLabelValues(status).Add(float64(n))
}

// SetBreakerOpen records the breaker state; a transition to open also counts
// a trip.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		m.BreakerTrips.Inc()
		return
	}
	m.BreakerOpen.Set(0)
}

// SetQueueDepth publishes per-state counts.
func (m *Metrics) SetQueueDepth(waiting, active, delayed, completed, failed int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	m.QueueDepth.WithLabelValues("active").Set(float64(active))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues("completed").Set(float64(completed))
	m.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

func (m *Metrics) IncRetried() {
	if m != nil {
		m.ItemsRetried.Inc()
	}
}

func (m *Metrics) IncFailed() {
	if m != nil {
		m.ItemsFailed.Inc()
	}
}

func (m *Metrics) AddScheduled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ScheduledAlerts.Add(float64(n))
}

func (m *Metrics) IncEventsDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}
