package stresstest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes session outcomes as prometheus collectors
type Metrics struct {
	sessions      *prometheus.CounterVec
	bytesReceived prometheus.Counter
	latency       prometheus.Histogram
	active        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echobench",
			Name:      "sessions_total",
			Help:      "Number of finished sessions by outcome.",
		}, []string{"status"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echobench",
			Name:      "bytes_received_total",
			Help:      "Echoed bytes received across all sessions.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "echobench",
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of a session from dial to last byte.",
			// 0.1ms to roughly 2 minutes
			Buckets: prometheus.ExponentialBuckets(0.0001, 1.5, 35),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "echobench",
			Name:      "active_sessions",
			Help:      "Sessions currently connected or connecting.",
		}),
	}

	for _, c := range []prometheus.Collector{m.sessions, m.bytesReceived, m.latency, m.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) observe(r *SessionResult) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.sessions.WithLabelValues(string(r.Status)).Inc()
	m.bytesReceived.Add(float64(r.BytesReceived))
	m.latency.Observe(r.Elapsed.Seconds())
}
