package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dispatchd"

// Metrics counts what the dispatcher and sessions do. A nil *Metrics records nothing.
type Metrics struct {
	accepted   prometheus.Counter
	dispatched *prometheus.CounterVec
	active     prometheus.Gauge
	sessions   *prometheus.CounterVec
	bodyBytes  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg, if reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by the dispatcher.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_dispatched_total",
			Help:      "Connections handed to each worker.",
		}, []string{"worker"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running across all workers.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by terminal state.",
		}, []string{"state"}),
		bodyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "body_bytes_total",
			Help:      "Request body bytes received.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.accepted, m.dispatched, m.active, m.sessions, m.bodyBytes} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) connDispatched(worker int) {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.dispatched.WithLabelValues(strconv.Itoa(worker)).Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) sessionDone(s *Session) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.sessions.WithLabelValues(s.state.String()).Inc()
	m.bodyBytes.Add(float64(len(s.Body)))
}
