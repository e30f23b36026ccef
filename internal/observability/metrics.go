package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentcore"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	dedupTotal   *prometheus.CounterVec

	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runTurns    prometheus.Histogram
	activeRuns  prometheus.Gauge

	llmAttemptTotal    *prometheus.CounterVec
	llmAttemptDuration *prometheus.HistogramVec
	llmFallbackTotal   *prometheus.CounterVec
	llmTokensTotal     *prometheus.CounterVec
	llmCostTotal       *prometheus.CounterVec
	modelCacheTotal    *prometheus.CounterVec

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolParseErrors  *prometheus.CounterVec

	sandboxOpTotal    *prometheus.CounterVec
	sandboxOpDuration *prometheus.HistogramVec
	sandboxSessions   *prometheus.GaugeVec
	sandboxLockWait   *prometheus.HistogramVec

	storeOpDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

func gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

var slowBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize:    gauge("queue_size", "Current queue size by lane.", "lane"),
			enqueueTotal: counter("enqueue_total", "Total enqueue operations by lane.", "lane"),
			dequeueTotal: counter("dequeue_total", "Total task completions by lane and status.", "lane", "status"),
			taskDuration: histogram("task_duration_seconds", "Task execution duration in seconds by lane.", slowBuckets, "lane"),
			dedupTotal:   counter("dedup_total", "Duplicate deliveries absorbed by source and outcome.", "source", "outcome"),

			runTotal:    counter("run_total", "Total runs by status and kind.", "status", "kind"),
			runDuration: histogram("run_duration_seconds", "Run duration in seconds by status.", slowBuckets, "status"),
			runTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_turns",
				Help:      "Turns used per run.",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
			}),
			activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Runs currently executing.",
			}),

			llmAttemptTotal:    counter("llm_attempt_total", "LLM call attempts by provider, model and outcome.", "provider", "model", "outcome"),
			llmAttemptDuration: histogram("llm_attempt_duration_seconds", "LLM call latency by provider.", slowBuckets, "provider"),
			llmFallbackTotal:   counter("llm_fallback_total", "Fallback chain advances by logical model and reason.", "logical_model", "reason"),
			llmTokensTotal:     counter("llm_tokens_total", "Tokens consumed by provider, model and direction.", "provider", "model", "direction"),
			llmCostTotal:       counter("llm_cost_usd_total", "Estimated spend in USD by logical model.", "logical_model"),
			modelCacheTotal:    counter("model_registry_lookup_total", "Model registry lookups by source.", "source"),

			toolCallTotal:    counter("tool_call_total", "Tool calls by tool, convention and status.", "tool", "convention", "status"),
			toolCallDuration: histogram("tool_call_duration_seconds", "Tool call duration in seconds by tool.", prometheus.DefBuckets, "tool"),
			toolParseErrors:  counter("tool_parse_errors_total", "Rejected tool call attempts by convention and kind.", "convention", "kind"),

			sandboxOpTotal:    counter("sandbox_op_total", "Sandbox provider operations by provider, op and status.", "provider", "op", "status"),
			sandboxOpDuration: histogram("sandbox_op_duration_seconds", "Sandbox provider operation latency.", slowBuckets, "provider", "op"),
			sandboxSessions:   gauge("sandbox_sessions", "Live sandbox sessions by provider.", "provider"),
			sandboxLockWait:   histogram("sandbox_lock_wait_seconds", "Time spent waiting for a sandbox session lock.", prometheus.DefBuckets, "provider"),

			storeOpDuration: histogram("store_op_duration_seconds", "Conversation store latency by backend and op.", prometheus.DefBuckets, "backend", "op"),
		}

		prometheus.MustRegister(
			m.queueSize, m.enqueueTotal, m.dequeueTotal, m.taskDuration, m.dedupTotal,
			m.runTotal, m.runDuration, m.runTurns, m.activeRuns,
			m.llmAttemptTotal, m.llmAttemptDuration, m.llmFallbackTotal, m.llmTokensTotal, m.llmCostTotal, m.modelCacheTotal,
			m.toolCallTotal, m.toolCallDuration, m.toolParseErrors,
			m.sandboxOpTotal, m.sandboxOpDuration, m.sandboxSessions, m.sandboxLockWait,
			m.storeOpDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordDedup counts a duplicate delivery. outcome is "cached" or "joined"
// for the queue and "replayed" for the run store.
func RecordDedup(source, outcome string) {
	getMetrics().dedupTotal.WithLabelValues(source, outcome).Inc()
}

func RunStarted() {
	getMetrics().activeRuns.Inc()
}

// RecordRun records a finished run. kind is empty for successful runs and the
// error kind otherwise.
func RecordRun(duration time.Duration, turns int, success bool, kind string) {
	m := getMetrics()
	status := statusLabel(success)
	if kind == "" {
		kind = "none"
	}
	m.activeRuns.Dec()
	m.runTotal.WithLabelValues(status, kind).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.runTurns.Observe(float64(turns))
}

// RecordLLMAttempt records one call against a concrete provider/model. outcome
// is "success", "retryable" or "fatal".
func RecordLLMAttempt(provider, model, outcome string, duration time.Duration) {
	m := getMetrics()
	m.llmAttemptTotal.WithLabelValues(provider, model, outcome).Inc()
	m.llmAttemptDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordLLMFallback(logicalModel, reason string) {
	getMetrics().llmFallbackTotal.WithLabelValues(logicalModel, reason).Inc()
}

func RecordLLMUsage(provider, model, logicalModel string, inputTokens, outputTokens int64, costUSD float64) {
	m := getMetrics()
	m.llmTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.llmTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	if costUSD > 0 {
		m.llmCostTotal.WithLabelValues(logicalModel).Add(costUSD)
	}
}

// RecordModelLookup counts where a model resolution was served from:
// "cache", "store" or "static".
func RecordModelLookup(source string) {
	getMetrics().modelCacheTotal.WithLabelValues(source).Inc()
}

func RecordToolCall(tool, convention string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolCallTotal.WithLabelValues(tool, convention, statusLabel(success)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolParseError(convention, kind string) {
	getMetrics().toolParseErrors.WithLabelValues(convention, kind).Inc()
}

func RecordSandboxOp(provider, op, status string, duration time.Duration) {
	m := getMetrics()
	m.sandboxOpTotal.WithLabelValues(provider, op, status).Inc()
	m.sandboxOpDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
}

func SetSandboxSessions(provider string, count int) {
	getMetrics().sandboxSessions.WithLabelValues(provider).Set(float64(count))
}

func RecordSandboxLockWait(provider string, wait time.Duration) {
	getMetrics().sandboxLockWait.WithLabelValues(provider).Observe(wait.Seconds())
}

func RecordStoreOp(backend, op string, duration time.Duration) {
	getMetrics().storeOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}
