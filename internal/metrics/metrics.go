// Package metrics exposes workspace counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"gridsync/internal/collab"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridsync"

// Metrics implements collab.Observer on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	participants       prometheus.Gauge
	locksHeld          prometheus.Gauge
	lockRequests       *prometheus.CounterVec
	commits            *prometheus.CounterVec
	commitDuration     prometheus.Histogram
	protocolViolations *prometheus.CounterVec
	deliveryFailures   prometheus.Counter
	connections        *prometheus.CounterVec
}

var _ collab.Observer = (*Metrics)(nil)

// New registers all collectors (plus Go and process collectors) on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants currently admitted to the workspace.",
		}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_held",
			Help:      "Cell locks currently held.",
		}),
		lockRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_requests_total",
			Help:      "Lock requests by outcome.",
		}, []string{"result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Cell commits by result.",
		}, []string{"result"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time from commit to persisted result, including queueing for a write slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		protocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Rejected out-of-state commands by operation.",
		}, []string{"op"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Events a participant's connection could not accept.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_total",
			Help:      "WebSocket connections by how they ended.",
		}, []string{"reason"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.participants,
		m.locksHeld,
		m.lockRequests,
		m.commits,
		m.commitDuration,
		m.protocolViolations,
		m.deliveryFailures,
		m.connections,
	)
	return m
}

// Registry returns the private registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Participants(n int) { m.participants.Set(float64(n)) }

func (m *Metrics) LocksHeld(n int) { m.locksHeld.Set(float64(n)) }

func (m *Metrics) LockRequest(outcome collab.LockOutcome) {
	m.lockRequests.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) Commit(ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.commits.WithLabelValues(result).Inc()
	m.commitDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ProtocolViolation(op string) { m.protocolViolations.WithLabelValues(op).Inc() }

func (m *Metrics) DeliveryFailure() { m.deliveryFailures.Inc() }

// ConnectionClosed counts a finished WebSocket connection.
// reason is a small fixed set: "normal", "backpressure", "heartbeat", "unauthorized", "error".
func (m *Metrics) ConnectionClosed(reason string) {
	m.connections.WithLabelValues(reason).Inc()
}
