// Package metrics owns the server's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can take one optionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector exported on /metrics.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	wsConnections   prometheus.Gauge
	wsSubscriptions prometheus.Gauge
	wsFrames        *prometheus.CounterVec

	docWrites    *prometheus.CounterVec
	docDenied    *prometheus.CounterVec
	docConflicts *prometheus.CounterVec

	logins *prometheus.CounterVec
}

// New builds a Metrics on a private registry with the Go and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flexer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flexer",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		wsSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flexer",
			Subsystem: "ws",
			Name:      "subscriptions",
			Help:      "Live document subscriptions across all connections.",
		}),
		wsFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexer",
			Subsystem: "ws",
			Name:      "frames_total",
			Help:      "Websocket frames by direction and type.",
		}, []string{"direction", "type"}),
		docWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexer",
			Subsystem: "docstore",
			Name:      "writes_total",
			Help:      "Committed document writes by collection and operation.",
		}, []string{"collection", "op"}),
		docDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexer",
			Subsystem: "docstore",
			Name:      "denied_total",
			Help:      "Document operations rejected by authorization rules.",
		}, []string{"collection", "op"}),
		docConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexer",
			Subsystem: "docstore",
			Name:      "conflicts_total",
			Help:      "Conditional document writes rejected because the document changed.",
		}, []string{"collection", "op"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flexer",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login and registration attempts by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.wsConnections,
		m.wsSubscriptions,
		m.wsFrames,
		m.docWrites,
		m.docDenied,
		m.docConflicts,
		m.logins,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) WSConnected() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) WSDisconnected() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

// WSSubscriptions adjusts the live subscription gauge by delta.
func (m *Metrics) WSSubscriptions(delta int) {
	if m != nil {
		m.wsSubscriptions.Add(float64(delta))
	}
}

func (m *Metrics) WSFrame(direction, typ string) {
	if m != nil {
		m.wsFrames.WithLabelValues(direction, typ).Inc()
	}
}

func (m *Metrics) DocWrite(collection, op string) {
	if m != nil {
		m.docWrites.WithLabelValues(collection, op).Inc()
	}
}

func (m *Metrics) DocDenied(collection, op string) {
	if m != nil {
		m.docDenied.WithLabelValues(collection, op).Inc()
	}
}

func (m *Metrics) DocConflict(collection, op string) {
	if m != nil {
		m.docConflicts.WithLabelValues(collection, op).Inc()
	}
}

// Login records an auth attempt outcome ("success", "invalid_credentials", "throttled", ...).
func (m *Metrics) Login(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}
