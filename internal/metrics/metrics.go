// Package metrics: prometheus collectors for the session engine. A nil *Metrics is a no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mtsession"

// Metrics: dispatch outcomes, retries, handshakes, DC switches, round-trip latency.
type Metrics struct {
	dispatch  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	auth      *prometheus.CounterVec
	dcSwitch  prometheus.Counter
	roundTrip *prometheus.HistogramVec
}

// New registers collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched calls by outcome (ok, fault, nack, error).",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Resubmissions after a negative acknowledgement, by predicate.",
		}, []string{"reason"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "DC handshakes by result.",
		}, []string{"result"}),
		dcSwitch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dc_switch_total",
			Help:      "Changes of the current DC.",
		}),
		roundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "roundtrip_seconds",
			Help:      "Transport round-trip latency by DC.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"dc"}),
	}
	reg.MustRegister(m.dispatch, m.retries, m.auth, m.dcSwitch, m.roundTrip)
	return m
}

// Handler serves g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Retry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

func (m *Metrics) Auth(result string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(result).Inc()
}

func (m *Metrics) Switch() {
	if m == nil {
		return
	}
	m.dcSwitch.Inc()
}

func (m *Metrics) RoundTrip(dc string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundTrip.WithLabelValues(dc).Observe(d.Seconds())
}
