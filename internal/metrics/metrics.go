// Package metrics holds the Prometheus instruments of the kernel and the
// session control plane. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "itemgate"

// Drop reasons.
const (
	DropFiltered = "filtered"
	DropBuffer   = "buffer"
	DropStale    = "stale"
)

// Bus message outcomes.
const (
	BusForwarded = "forwarded"
	BusSkipped   = "skipped"
	BusMalformed = "malformed"
)

// Metrics groups every instrument.
type Metrics struct {
	EventsReceived     *prometheus.CounterVec
	EventsDelivered    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	ProducerViolations prometheus.Counter
	ItemsActive        prometheus.Gauge
	ActivationFailures prometheus.Counter
	Sessions           prometheus.Gauge
	Tables             prometheus.Gauge
	Terminations       *prometheus.CounterVec
	AuthRequests       *prometheus.CounterVec
	BusMessages        *prometheus.CounterVec
}

// New creates the instruments and registers them with reg. A nil reg
// leaves them unregistered, which tests use.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "events_received_total",
			Help:      "Events received from the data provider",
		}, []string{"kind"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "events_delivered_total",
			Help:      "Entries delivered to session sinks",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "events_dropped_total",
			Help:      "Updates not delivered",
		}, []string{"reason"}),
		ProducerViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "producer_violations_total",
			Help:      "Events refused because they break the producer contract",
		}),
		ItemsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "items_active",
			Help:      "Items currently subscribed to the data provider",
		}),
		ActivationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "activation_failures_total",
			Help:      "Item subscriptions refused by the data provider",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open",
			Help:      "Open sessions",
		}),
		Tables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "tables",
			Help:      "Active subscription tables",
		}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "terminations_total",
			Help:      "Closed sessions by cause code",
		}, []string{"cause"}),
		AuthRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "auth_requests_total",
			Help:      "Authorization requests by outcome",
		}, []string{"operation", "outcome"}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Bus messages consumed by outcome",
		}, []string{"outcome"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.EventsReceived, m.EventsDelivered, m.EventsDropped, m.ProducerViolations,
		m.ItemsActive, m.ActivationFailures, m.Sessions, m.Tables, m.Terminations, m.AuthRequests,
		m.BusMessages,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Received(kind string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delivered(kind string) {
	if m != nil {
		m.EventsDelivered.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped(reason string, n int) {
	if m != nil && n > 0 {
		m.EventsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) Violation() {
	if m != nil {
		m.ProducerViolations.Inc()
	}
}

func (m *Metrics) ItemActivated(delta int) {
	if m != nil {
		m.ItemsActive.Add(float64(delta))
	}
}

func (m *Metrics) ActivationFailed() {
	if m != nil {
		m.ActivationFailures.Inc()
	}
}

func (m *Metrics) SessionOpened(delta int) {
	if m != nil {
		m.Sessions.Add(float64(delta))
	}
}

func (m *Metrics) TablesChanged(delta int) {
	if m != nil {
		m.Tables.Add(float64(delta))
	}
}

func (m *Metrics) Terminated(cause int) {
	if m != nil {
		m.Terminations.WithLabelValues(strconv.Itoa(cause)).Inc()
	}
}

func (m *Metrics) Auth(operation, outcome string) {
	if m != nil {
		m.AuthRequests.WithLabelValues(operation, outcome).Inc()
	}
}

func (m *Metrics) Bus(outcome string) {
	if m != nil {
		m.BusMessages.WithLabelValues(outcome).Inc()
	}
}
