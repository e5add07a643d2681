// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// A nil *Registry is a valid no-op sink, so packages can take metrics
// optionally without guarding every call site.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_key_cache_operations_total{result}
	keyCacheOps *prometheus.CounterVec

	// gateway_model_cache_operations_total{result}
	modelCacheOps *prometheus.CounterVec

	// gateway_stream_chunks_total{provider}
	streamChunks *prometheus.CounterVec

	// gateway_history_writes_total{result}
	historyWrites *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total number of upstream provider calls",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream call duration in seconds (streaming: time to first byte)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "outcome"},
		),

		keyCacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_cache_operations_total",
				Help: "Credential cache lookups by result (hit, miss, negative_hit)",
			},
			[]string{"result"},
		),

		modelCacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_cache_operations_total",
				Help: "Model-listing cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_chunks_total",
				Help: "SSE lines forwarded to clients",
			},
			[]string{"provider"},
		),

		historyWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_history_writes_total",
				Help: "Conversation history persistence attempts (ok, error, dropped)",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage as reported by upstreams",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.keyCacheOps,
		r.modelCacheOps,
		r.streamChunks,
		r.historyWrites,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

func (r *Registry) DecInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}

// ObserveHTTP records one finished HTTP exchange.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream call. For streams the duration
// covers time to first byte.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) KeyCacheHit() {
	if r == nil {
		return
	}
	r.keyCacheOps.WithLabelValues("hit").Inc()
}

func (r *Registry) KeyCacheMiss() {
	if r == nil {
		return
	}
	r.keyCacheOps.WithLabelValues("miss").Inc()
}

func (r *Registry) KeyCacheNegativeHit() {
	if r == nil {
		return
	}
	r.keyCacheOps.WithLabelValues("negative_hit").Inc()
}

func (r *Registry) ModelCacheHit() {
	if r == nil {
		return
	}
	r.modelCacheOps.WithLabelValues("hit").Inc()
}

func (r *Registry) ModelCacheMiss() {
	if r == nil {
		return
	}
	r.modelCacheOps.WithLabelValues("miss").Inc()
}

func (r *Registry) AddStreamChunks(provider string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.streamChunks.WithLabelValues(provider).Add(float64(n))
}

func (r *Registry) RecordHistoryWrite(result string) {
	if r == nil {
		return
	}
	r.historyWrites.WithLabelValues(result).Inc()
}

// AddTokens records upstream-reported usage.
func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int) {
	if r == nil {
		return
	}
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(completionTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}
