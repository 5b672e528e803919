package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Invocation outcomes as reported by Metrics.
const (
	OutcomeResolved  = "resolved"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the Prometheus collectors of a Client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inflight    prometheus.Gauge
	retries     prometheus.Counter
	abandoned   prometheus.Counter
	parseErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pubrpc",
				Subsystem: "rpc",
				Name:      "invocations_total",
				Help:      "Command invocations by outcome.",
			},
			[]string{"command", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pubrpc",
				Subsystem: "rpc",
				Name:      "handler_duration_seconds",
				Help:      "Command handler duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pubrpc",
			Subsystem: "rpc",
			Name:      "inflight",
			Help:      "Command invocations currently running.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubrpc",
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Failed delivery attempts of inbound messages that were retried.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubrpc",
			Subsystem: "delivery",
			Name:      "abandoned_total",
			Help:      "Inbound messages left unacknowledged because retrying stopped.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubrpc",
			Name:      "parse_errors_total",
			Help:      "Inbound messages dropped because their payload could not be parsed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.invocations, m.duration, m.inflight, m.retries, m.abandoned, m.parseErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) invocationStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) invocationDone(command string, took time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.duration.WithLabelValues(command).Observe(took.Seconds())
}

func (m *Metrics) invocationSettled(command, outcome string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) deliveryAbandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

func (m *Metrics) parseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}
