package sentinel

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy and the analysis
// pipeline. It uses its own registry so several proxies can coexist in
// one process.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
	activeConns      prometheus.Gauge
	connStates       *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter
	editsTotal       *prometheus.CounterVec
	dropsTotal       *prometheus.CounterVec
	truncatedBodies  *prometheus.CounterVec
	bypassedTunnels  prometheus.Counter

	certCacheSize   prometheus.Gauge
	certCacheHits   prometheus.Counter
	certCacheMisses prometheus.Counter
	leafSignSeconds prometheus.Histogram

	pluginRuns       *prometheus.CounterVec
	pluginDuration   *prometheus.HistogramVec
	findingsTotal    *prometheus.CounterVec
	duplicatesTotal  prometheus.Counter
	pipelineDropped  prometheus.Counter
	sinkDropped      prometheus.Counter
	ruleReloads      prometheus.Counter
	ruleReloadErrors prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "scheme"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "request_duration_seconds",
			Help:      "Upstream round trip duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "errors_total",
			Help:      "Number of failed exchanges by kind.",
		}, []string{"kind"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "active_connections",
			Help:      "Number of open client connections.",
		}),

		connStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		editsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "edits_total",
			Help:      "Number of intercepted messages forwarded with edits.",
		}, []string{"direction"}),

		dropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "drops_total",
			Help:      "Number of intercepted messages dropped.",
		}, []string{"direction"}),

		truncatedBodies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "captured_bodies_truncated_total",
			Help:      "Number of captured bodies cut at the capture limit.",
		}, []string{"direction"}),

		bypassedTunnels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "bypassed_tunnels_total",
			Help:      "Number of CONNECT tunnels relayed without interception.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		leafSignSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "leaf_sign_duration_seconds",
			Help:      "Time spent forging a leaf certificate.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),

		pluginRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "plugin_runs_total",
			Help:      "Plugin invocations by outcome.",
		}, []string{"plugin", "outcome"}),

		pluginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "plugin_duration_seconds",
			Help:      "Plugin invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),

		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "findings_total",
			Help:      "Number of unique findings emitted.",
		}, []string{"plugin", "severity"}),

		duplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "findings_duplicate_total",
			Help:      "Number of findings dropped as duplicates.",
		}),

		pipelineDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "pipeline_dropped_total",
			Help:      "Number of transactions not scanned because the queue was full.",
		}),

		sinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "sink_dropped_total",
			Help:      "Number of findings not persisted because the sink buffer was full.",
		}),

		ruleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "rule_reloads_total",
			Help:      "Number of successful edit rule reloads.",
		}),

		ruleReloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "rule_reload_errors_total",
			Help:      "Number of failed edit rule reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.activeConns,
		m.connStates,
		m.tlsHandshakeErrs,
		m.editsTotal,
		m.dropsTotal,
		m.truncatedBodies,
		m.bypassedTunnels,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.leafSignSeconds,
		m.pluginRuns,
		m.pluginDuration,
		m.findingsTotal,
		m.duplicatesTotal,
		m.pipelineDropped,
		m.sinkDropped,
		m.ruleReloads,
		m.ruleReloadErrors,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a proxied request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRequestDuration records the upstream round trip of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordError records a failed exchange. kind is a short label such as
// "upstream" or "capture".
func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// RecordConnState records a connection entering state.
func (m *Metrics) RecordConnState(state ConnState) {
	m.connStates.WithLabelValues(state.String()).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// RecordEdit records a message forwarded with edits.
func (m *Metrics) RecordEdit(direction string) {
	m.editsTotal.WithLabelValues(direction).Inc()
}

// RecordDrop records a message dropped by an interceptor.
func (m *Metrics) RecordDrop(direction string) {
	m.dropsTotal.WithLabelValues(direction).Inc()
}

// RecordTruncated records a captured body cut at its limit.
func (m *Metrics) RecordTruncated(direction string) {
	m.truncatedBodies.WithLabelValues(direction).Inc()
}

// RecordBypassedTunnel records a tunnel relayed without interception.
func (m *Metrics) RecordBypassedTunnel() {
	m.bypassedTunnels.Inc()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordLeafSigned records the latency of forging one leaf.
func (m *Metrics) RecordLeafSigned(d time.Duration) {
	m.leafSignSeconds.Observe(d.Seconds())
}

// RecordPluginRun records one plugin invocation. outcome is one of "ok",
// "error", "panic" or "timeout".
func (m *Metrics) RecordPluginRun(plugin, outcome string, d time.Duration) {
	m.pluginRuns.WithLabelValues(plugin, outcome).Inc()
	m.pluginDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

// RecordFinding records a unique finding.
func (m *Metrics) RecordFinding(plugin string, severity Severity) {
	m.findingsTotal.WithLabelValues(plugin, string(severity)).Inc()
}

// RecordDuplicate records a finding dropped by deduplication.
func (m *Metrics) RecordDuplicate() {
	m.duplicatesTotal.Inc()
}

// RecordPipelineDrop records a transaction dropped by a full scan queue.
func (m *Metrics) RecordPipelineDrop() {
	m.pipelineDropped.Inc()
}

// RecordSinkDrop records a finding dropped by a full sink buffer.
func (m *Metrics) RecordSinkDrop() {
	m.sinkDropped.Inc()
}

// RecordRuleReload records a successful edit rule reload.
func (m *Metrics) RecordRuleReload() {
	m.ruleReloads.Inc()
}

// RecordRuleReloadError records a failed edit rule reload.
func (m *Metrics) RecordRuleReloadError() {
	m.ruleReloadErrors.Inc()
}
