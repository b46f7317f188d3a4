// Package metrics owns the oracle's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oracle"

var (
	// Registry holds every collector exported on /metrics.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests handled, by route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "route"})

	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "job_runs_total",
		Help:      "Scrape job attempts, by outcome (succeeded, retry, failed).",
	}, []string{"outcome"})

	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "job_run_duration_seconds",
		Help:      "Duration of a single scrape job attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	failedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "failed_jobs",
		Help:      "Jobs parked in failed-terminal state.",
	})

	adapterResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "attempts_total",
		Help:      "Source adapter attempts, by source and result (found, no_result).",
	}, []string{"source", "result"})

	adapterDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of source adapter attempts including settle delay.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"source"})

	gateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "decisions_total",
		Help:      "Ingestion gate decisions, by origin and decision.",
	}, []string{"origin", "decision"})

	confidenceScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "confidence_score",
		Help:      "Distribution of computed confidence scores.",
		Buckets:   prometheus.LinearBuckets(10, 10, 10),
	})

	currencyFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "currency",
		Name:      "fallbacks_total",
		Help:      "Conversions that fell back to a 1:1 rate.",
	}, []string{"currency"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		jobRuns,
		jobDuration,
		failedJobs,
		adapterResults,
		adapterDuration,
		gateDecisions,
		confidenceScores,
		currencyFallbacks,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency. Routes are labelled
// by their chi pattern so asset IDs do not explode cardinality.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// RecordJobRun records one scrape job attempt.
func RecordJobRun(outcome string, d time.Duration) {
	jobRuns.WithLabelValues(outcome).Inc()
	jobDuration.Observe(d.Seconds())
}

// SetFailedJobs reports the size of the failed-job set.
func SetFailedJobs(n int) {
	failedJobs.Set(float64(n))
}

// RecordAdapterAttempt records one source adapter attempt.
func RecordAdapterAttempt(source string, found bool, d time.Duration) {
	result := "no_result"
	if found {
		result = "found"
	}
	adapterResults.WithLabelValues(source, result).Inc()
	adapterDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordGateDecision records what the ingestion gate did with a write.
func RecordGateDecision(origin, decision string) {
	gateDecisions.WithLabelValues(origin, decision).Inc()
}

// ObserveConfidence records a computed confidence score.
func ObserveConfidence(score int) {
	confidenceScores.Observe(float64(score))
}

// RecordCurrencyFallback counts a 1:1 passthrough conversion.
func RecordCurrencyFallback(currency string) {
	label := strings.ToUpper(strings.TrimSpace(currency))
	if label == "" {
		label = "unknown"
	}
	currencyFallbacks.WithLabelValues(label).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
