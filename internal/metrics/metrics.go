// Package metrics defines the prometheus collectors exported on /metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "booking"

type Metrics struct {
	connectAttempts *prometheus.CounterVec
	rebuilds        prometheus.Counter
	tunnelState     prometheus.Gauge
	queueDepth      prometheus.Gauge
	queueWait       prometheus.Histogram
	created         prometheus.Counter
	rejected        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "connect_attempts_total",
			Help:      "Tunnel acquisition attempts by phase and result.",
		}, []string{"phase", "result"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "rebuilds_total",
			Help:      "Live tunnel connections discarded after a fatal connection loss.",
		}),
		tunnelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "state",
			Help:      "Current provider state (0 uninitialized, 1 connecting, 2 ready, 3 closed, 4 failed).",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Requests waiting in the serial request queue.",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time a request spent queued before it started running.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "created_total",
			Help:      "Appointments successfully booked.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "rejected_total",
			Help:      "Booking requests rejected, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.connectAttempts,
		m.rebuilds,
		m.tunnelState,
		m.queueDepth,
		m.queueWait,
		m.created,
		m.rejected,
	)
	return m
}

func (m *Metrics) ConnectAttempt(phase string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connectAttempts.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) Rebuild() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}

func (m *Metrics) TunnelState(state int) {
	if m == nil {
		return
	}
	m.tunnelState.Set(float64(state))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) QueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

func (m *Metrics) AppointmentCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) AppointmentRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}
