// Package metrics defines the prometheus collectors of the coordinator.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Connections     prometheus.Gauge
	ReachableKiosks prometheus.Gauge

	SessionEvents *prometheus.CounterVec // by event

	SweepDuration   prometheus.Histogram
	SweepExpired    prometheus.Counter
	SweepFailures   prometheus.Counter
	PrunedConnCount prometheus.Counter

	BroadcastFailures *prometheus.CounterVec // by audience
	Commands          *prometheus.CounterVec // by kind, result
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "kiosk"
	}

	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connections",
			Help:      "Live push-channel connections held by kiosks.",
		}),
		ReachableKiosks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reachable_kiosks",
			Help:      "Kiosks with at least one live connection.",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"event"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one expiration sweep pass.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_sessions_total",
			Help:      "Sessions force-ended by the sweeper.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Sessions the sweeper failed to end.",
		}),
		PrunedConnCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_connections_total",
			Help:      "Connections dropped for missing heartbeats.",
		}),
		BroadcastFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Failed deliveries per audience.",
		}, []string{"audience"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kiosk_commands_total",
			Help:      "Lock/unlock commands by kind and result.",
		}, []string{"kind", "result"}),
	}

	collectors := []prometheus.Collector{
		m.Connections, m.ReachableKiosks, m.SessionEvents, m.SweepDuration, m.SweepExpired,
		m.SweepFailures, m.PrunedConnCount, m.BroadcastFailures, m.Commands,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration, expired, failed int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	m.SweepExpired.Add(float64(expired))
	m.SweepFailures.Add(float64(failed))
}

func (m *Metrics) Pruned(n int) {
	if m == nil {
		return
	}
	m.PrunedConnCount.Add(float64(n))
}

func (m *Metrics) SetPresence(connections, reachable int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.ReachableKiosks.Set(float64(reachable))
}

func (m *Metrics) BroadcastFailed(audience string) {
	if m == nil {
		return
	}
	m.BroadcastFailures.WithLabelValues(audience).Inc()
}

func (m *Metrics) Command(kind, result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(kind, result).Inc()
}
