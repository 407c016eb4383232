// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is a valid no-op sink so tests and memory-mode tooling can skip wiring it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the registry and the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	invitesGenerated prometheus.Counter
	redemptions      *prometheus.CounterVec
	bonusUnlocks     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New constructs a Metrics with a private registry including the standard
// process and Go collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		invitesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vine_invites_generated_total",
			Help: "Invites successfully generated.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vine_redemptions_total",
			Help: "Redemption attempts by settled outcome.",
		}, []string{"outcome"}),
		bonusUnlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vine_bonus_unlocks_total",
			Help: "One-shot bonus grants by kind.",
		}, []string{"kind"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vine_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	reg.MustRegister(m.invitesGenerated, m.redemptions, m.bonusUnlocks, m.httpDuration)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InviteGenerated counts a successful generate.
func (m *Metrics) InviteGenerated() {
	if m == nil {
		return
	}
	m.invitesGenerated.Inc()
}

// RedemptionOutcome counts a settled redemption attempt.
func (m *Metrics) RedemptionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// BonusUnlocked counts a one-shot bonus grant.
func (m *Metrics) BonusUnlocked(kind string) {
	if m == nil {
		return
	}
	m.bonusUnlocks.WithLabelValues(kind).Inc()
}

// ObserveHTTP records one request's latency.
func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, status).Observe(d.Seconds())
}
