// Package metrics exposes Prometheus collectors for the development proxy.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's collectors on a private registry so tests and
// multiple servers in one process do not collide on the global one.
type Metrics struct {
	registry  *prometheus.Registry
	proxied   *prometheus.CounterVec
	upgrades  *prometheus.CounterVec
	unmatched prometheus.Counter
	reloads   *prometheus.CounterVec
	upstream  *prometheus.GaugeVec
}

// New registers and returns the proxy collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "proxied_requests_total",
			Help:      "Requests forwarded to a backend, by rule prefix and response status.",
		}, []string{"prefix", "status"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "websocket_upgrades_total",
			Help:      "WebSocket upgrade requests forwarded to a backend, by rule prefix.",
		}, []string{"prefix"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "unmatched_requests_total",
			Help:      "Requests that matched no rule and went to the default handler.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devproxy",
			Name:      "config_reloads_total",
			Help:      "Config file reloads, by result (applied, rejected).",
		}, []string{"result"}),
		upstream: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devproxy",
			Name:      "upstream_up",
			Help:      "Whether the last probe of a rule target got an HTTP response (1) or not (0).",
		}, []string{"target"}),
	}
	m.registry.MustRegister(m.proxied, m.upgrades, m.unmatched, m.reloads, m.upstream)
	return m
}

// ObserveProxied counts a forwarded request.
func (m *Metrics) ObserveProxied(prefix string, status int) {
	if m == nil {
		return
	}
	m.proxied.WithLabelValues(prefix, strconv.Itoa(status)).Inc()
}

// ObserveUpgrade counts a forwarded WebSocket upgrade.
func (m *Metrics) ObserveUpgrade(prefix string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(prefix).Inc()
}

// ObserveUnmatched counts a request served by the default handler.
func (m *Metrics) ObserveUnmatched() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

// ObserveReload counts a config reload. applied is false when the new
// config was rejected and the previous rules stayed active.
func (m *Metrics) ObserveReload(applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.reloads.WithLabelValues(result).Inc()
}

// ObserveUpstream records the latest probe outcome for target.
func (m *Metrics) ObserveUpstream(target string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.upstream.WithLabelValues(target).Set(v)
}

// ForgetUpstream removes the series for a target no rule points at anymore.
func (m *Metrics) ForgetUpstream(target string) {
	if m == nil {
		return
	}
	m.upstream.DeleteLabelValues(target)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
