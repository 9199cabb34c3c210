package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"securitydept/session"
)

// Metrics holds the server's collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	logins      *prometheus.CounterVec
	forwardAuth *prometheus.CounterVec
}

// NewMetrics registers collectors, including a live session gauge read from
// sessions at scrape time.
func NewMetrics(sessions *session.Manager) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securitydept",
			Name:      "login_total",
			Help:      "Completed login attempts by outcome.",
		}, []string{"outcome"}),
		forwardAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securitydept",
			Name:      "forward_auth_total",
			Help:      "Forward-auth decisions by proxy flavour and result.",
		}, []string{"proxy", "result"}),
	}
	reg.MustRegister(
		m.logins,
		m.forwardAuth,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "securitydept",
			Name:      "sessions_active",
			Help:      "Sessions that have not expired.",
		}, func() float64 { return float64(sessions.Count()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) login(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) forwardAuthDecision(proxy string, authorized bool) {
	result := "denied"
	if authorized {
		result = "allowed"
	}
	m.forwardAuth.WithLabelValues(proxy, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
