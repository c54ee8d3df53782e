package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callflow/internal/resilience"
)

// Metrics is the Prometheus sink for the HTTP layer, the upstream client,
// the resilience clients, the dialogue stages and the orchestrator. All
// methods are nil-safe.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec

	resilienceAttempts *prometheus.CounterVec
	resilienceLatency  *prometheus.HistogramVec
	circuitState       *prometheus.GaugeVec

	stageDuration      *prometheus.HistogramVec
	turnDuration       prometheus.Histogram
	reasoningFallbacks prometheus.Counter
	synthesisDegraded  prometheus.Counter

	activeCalls       prometheus.Gauge
	capacityRejected  prometheus.Counter
	forcedTransitions *prometheus.CounterVec
	callsEnded        *prometheus.CounterVec
	audioDropped      prometheus.Counter
	recordsDropped    prometheus.Counter
}

// Turn latency buckets centre on the 1.5s budget.
var turnBuckets = []float64{0.1, 0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 3, 5}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callflow_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callflow_upstream_requests_total",
				Help: "Total upstream OpenAI-compatible API requests.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callflow_upstream_request_duration_seconds",
				Help:    "Upstream request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		resilienceAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callflow_resilience_attempts_total",
				Help: "Attempts made through resilient clients by outcome.",
			},
			[]string{"service", "outcome"},
		),
		resilienceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callflow_resilience_attempt_duration_seconds",
				Help:    "Duration of individual resilient client attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callflow_circuit_state",
				Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
			},
			[]string{"service"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callflow_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds.",
				Buckets: turnBuckets,
			},
			[]string{"stage", "result"},
		),
		turnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callflow_turn_duration_seconds",
				Help:    "End-to-end turn duration in seconds.",
				Buckets: turnBuckets,
			},
		),
		reasoningFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callflow_reasoning_fallback_total",
				Help: "Turns answered with the fallback phrase because reasoning failed.",
			},
		),
		synthesisDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callflow_synthesis_degraded_total",
				Help: "Turns that produced no audio because synthesis failed.",
			},
		),
		activeCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callflow_active_calls",
				Help: "Number of calls currently registered.",
			},
		),
		capacityRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callflow_capacity_rejected_total",
				Help: "Call starts rejected at the concurrency ceiling.",
			},
		),
		forcedTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callflow_forced_transitions_total",
				Help: "State machine transitions forced outside the transition table.",
			},
			[]string{"reason"},
		),
		callsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callflow_calls_ended_total",
				Help: "Ended calls by reason.",
			},
			[]string{"reason"},
		),
		audioDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callflow_audio_chunks_dropped_total",
				Help: "Caller audio chunks dropped from full buffers.",
			},
		),
		recordsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callflow_call_records_dropped_total",
				Help: "Call records dropped because the persistence queue was full.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.resilienceAttempts,
		m.resilienceLatency,
		m.circuitState,
		m.stageDuration,
		m.turnDuration,
		m.reasoningFallbacks,
		m.synthesisDegraded,
		m.activeCalls,
		m.capacityRejected,
		m.forcedTransitions,
		m.callsEnded,
		m.audioDropped,
		m.recordsDropped,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

// resilience.Observer

func (m *Metrics) ObserveAttempt(service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.resilienceAttempts.WithLabelValues(service, outcome).Inc()
	if duration > 0 {
		m.resilienceLatency.WithLabelValues(service).Observe(duration.Seconds())
	}
}

func (m *Metrics) ObserveCircuitState(service string, state resilience.State) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	m.circuitState.WithLabelValues(service).Set(v)
}

// dialogue.Observer

func (m *Metrics) ObserveStage(stage string, duration time.Duration, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(duration.Seconds())
}

func (m *Metrics) IncReasoningFallback() {
	if m == nil {
		return
	}
	m.reasoningFallbacks.Inc()
}

func (m *Metrics) IncSynthesisDegraded() {
	if m == nil {
		return
	}
	m.synthesisDegraded.Inc()
}

// orchestrator.Metrics

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

func (m *Metrics) ObserveTurn(d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.Observe(d.Seconds())
}

func (m *Metrics) IncCapacityRejected() {
	if m == nil {
		return
	}
	m.capacityRejected.Inc()
}

func (m *Metrics) IncForcedTransition(reason string) {
	if m == nil {
		return
	}
	m.forcedTransitions.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCallEnded(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.callsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncAudioDropped() {
	if m == nil {
		return
	}
	m.audioDropped.Inc()
}

func (m *Metrics) IncRecordDropped() {
	if m == nil {
		return
	}
	m.recordsDropped.Inc()
}
