// Package metrics exposes Prometheus collectors for the expiry worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
)

const namespace = "escaperooms"

// Sweep results.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics groups the expiry collectors. A nil *Metrics records nothing.
type Metrics struct {
	sweeps         *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	slotMismatches prometheus.Counter
	duration       prometheus.Histogram
	lastSuccess    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "sweeps_total",
			Help:      "Expiry sweeps by result (ok, error, skipped).",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "reservations_total",
			Help:      "Expired reservation candidates by outcome.",
		}, []string{"outcome"}),
		slotMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "slot_mismatches_total",
			Help:      "Cancellations whose slot was held by another reservation.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of completed expiry sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last sweep that completed selection.",
		}),
	}
	reg.MustRegister(m.sweeps, m.outcomes, m.slotMismatches, m.duration, m.lastSuccess)
	return m
}

// SweepSkipped counts a tick dropped because a sweep was already running.
func (m *Metrics) SweepSkipped() {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(ResultSkipped).Inc()
}

// SweepFailed counts a sweep aborted by a selector error.
func (m *Metrics) SweepFailed() {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(ResultError).Inc()
}

// SweepFinished records a completed sweep.
func (m *Metrics) SweepFinished(s model.Summary) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(ResultOK).Inc()
	m.outcomes.WithLabelValues(string(model.OutcomeCancelled)).Add(float64(s.Cancelled))
	m.outcomes.WithLabelValues(string(model.OutcomeAlreadyResolved)).Add(float64(s.AlreadyResolved))
	m.outcomes.WithLabelValues(string(model.OutcomeFailed)).Add(float64(s.Failed))
	m.slotMismatches.Add(float64(s.SlotMismatches))
	m.duration.Observe(s.Duration.Seconds())
	m.lastSuccess.Set(float64(s.StartedAt.Add(s.Duration).Unix()))
}
