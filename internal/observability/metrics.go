// Package observability provides Prometheus metrics for the relay and an
// HTTP server exposing them alongside health checks.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event outcomes recorded by the router.
const (
	OutcomeRelayed   = "relayed"
	OutcomeInvalid   = "invalid"
	OutcomeForbidden = "forbidden"
	OutcomeUnknown   = "unknown"
	OutcomeLimited   = "rate_limited"
)

// Metrics contains the relay's custom Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	DeliveriesTotal   prometheus.Counter
	DeliveriesDropped *prometheus.CounterVec
	RoomsActive       prometheus.GaugeFunc
}

// NewMetrics creates and registers relay metrics on reg.
// roomCount backs the rooms gauge and may be nil.
func NewMetrics(reg prometheus.Registerer, roomCount func() int) *Metrics {
	if roomCount == nil {
		roomCount = func() int { return 0 }
	}

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of sessions currently connected",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connections_total",
				Help: "Total number of connections by identity kind",
			},
			[]string{"kind"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_total",
				Help: "Total number of inbound events by name and outcome",
			},
			[]string{"event", "outcome"},
		),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of frames queued to sessions",
		}),
		DeliveriesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_dropped_total",
				Help: "Total number of frames dropped by reason",
			},
			[]string{"reason"},
		),
		RoomsActive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Number of non-empty rooms in the registry",
		}, func() float64 { return float64(roomCount()) }),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.ConnectionsTotal,
		m.EventsTotal,
		m.DeliveriesTotal,
		m.DeliveriesDropped,
		m.RoomsActive,
	)

	return m
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened(authenticated bool) {
	if m == nil {
		return
	}
	kind := "anonymous"
	if authenticated {
		kind = "user"
	}
	m.ConnectionsTotal.WithLabelValues(kind).Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a finished session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// Event records the outcome of an inbound event.
func (m *Metrics) Event(name, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(name, outcome).Inc()
}

// Delivered records a frame queued to a session.
func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.DeliveriesTotal.Inc()
}

// Dropped records a frame that could not be queued.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DeliveriesDropped.WithLabelValues(reason).Inc()
}
