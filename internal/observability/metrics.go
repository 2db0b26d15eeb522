package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check request outcomes.
const (
	OutcomeMatched  = "matched"
	OutcomeNoMatch  = "no_match"
	OutcomeError    = "error"
	OutcomeDeferred = "oob"
)

type Metrics struct {
	scansTotal            *prometheus.CounterVec
	findingsTotal         *prometheus.CounterVec
	checkRequestsTotal    *prometheus.CounterVec
	oobRegistrationsTotal *prometheus.CounterVec
	checkRequestDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyrscan_scans_total", Help: "Total profile evaluations"},
			[]string{"profile", "kind"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyrscan_findings_total", Help: "Total findings reported"},
			[]string{"profile", "severity"},
		),
		checkRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyrscan_check_requests_total", Help: "Total active check requests sent"},
			[]string{"profile", "outcome"},
		),
		oobRegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "klyrscan_oob_registrations_total", Help: "Total out-of-band payloads registered"},
			[]string{"profile"},
		),
		checkRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klyrscan_check_request_duration_seconds",
				Help:    "Check request round trip in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"profile"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.scansTotal,
		m.findingsTotal,
		m.checkRequestsTotal,
		m.oobRegistrationsTotal,
		m.checkRequestDuration,
	)

	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// All Observe methods are no-ops on a nil receiver.

func (m *Metrics) ObserveScan(profile, kind string) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(profile, kind).Inc()
}

func (m *Metrics) ObserveFinding(profile, severity string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(profile, severity).Inc()
}

func (m *Metrics) ObserveCheckRequest(profile, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checkRequestsTotal.WithLabelValues(profile, outcome).Inc()
	m.checkRequestDuration.WithLabelValues(profile).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveOOBRegistration(profile string) {
	if m == nil {
		return
	}
	m.oobRegistrationsTotal.WithLabelValues(profile).Inc()
}
