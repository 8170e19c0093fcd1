package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission results recorded by the duplicate filter.
const (
	ResultAccepted   = "accepted"
	ResultDuplicate  = "duplicate"
	ResultStatusDrop = "status_dropped"
)

// Poll results.
const (
	PollOK    = "ok"
	PollError = "error"
)

// Metrics holds the collectors for one chat session. Each session owns its
// own registry so tests and multiple sessions never collide.
type Metrics struct {
	Registry        *prometheus.Registry
	Admissions      *prometheus.CounterVec
	PendingSends    prometheus.Gauge
	TransportState  *prometheus.GaugeVec
	RenderFallbacks prometheus.Counter
	Polls           *prometheus.CounterVec
}

// New creates and registers the session collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_admissions_total",
				Help: "Incoming messages by admission result.",
			},
			[]string{"result"},
		),
		PendingSends: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chat_pending_sends",
				Help: "Locally submitted messages awaiting server confirmation.",
			},
		),
		TransportState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chat_transport_state",
				Help: "1 for the current transport state, 0 otherwise.",
			},
			[]string{"state"},
		),
		RenderFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_render_fallbacks_total",
				Help: "Messages rendered with the escaped fallback markup.",
			},
		),
		Polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_polls_total",
				Help: "History polls by result.",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.Admissions,
		m.PendingSends,
		m.TransportState,
		m.RenderFallbacks,
		m.Polls,
		collectors.NewGoCollector(),
	)

	return m
}

// SetTransportState flips the state gauge so exactly one label reads 1
func (m *Metrics) SetTransportState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.TransportState.WithLabelValues(s).Set(v)
	}
}

// Admitted records an admission outcome
func (m *Metrics) Admitted(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}

// Polled records a poll outcome
func (m *Metrics) Polled(result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(result).Inc()
}

// Fallback records a render fallback
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.RenderFallbacks.Inc()
}

// SetPending publishes the pending-send count
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingSends.Set(float64(n))
}

// Handler exposes the session registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
