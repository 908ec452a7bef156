// Package metrics exposes Prometheus collectors for the worker and the read API.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	deliveriesTotal            *prometheus.CounterVec
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	brokerConnectAttemptsTotal *prometheus.CounterVec
	daysPersistedTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram
	jobInFlight                prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once; the Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaas_jobs_total",
				Help: "Jobs processed, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eaas_job_duration_seconds",
				Help:    "Time spent on one job, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaas_deliveries_total",
				Help: "Broker deliveries settled, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaas_fetch_total",
				Help: "Upstream fetches, labeled by HTTP status code or \"error\".",
			},
			[]string{"code"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eaas_fetch_duration_seconds",
				Help:    "Latency of upstream fetches.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		brokerConnectAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaas_broker_connect_attempts_total",
				Help: "Broker dial attempts, labeled by result.",
			},
			[]string{"result"},
		)

		daysPersistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eaas_days_persisted_total",
				Help: "Liturgy days written, labeled by language.",
			},
			[]string{"lang"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eaas_fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the upstream rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		jobInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "eaas_job_in_flight",
				Help: "1 while the worker is processing a job.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob records one finished job.
func ObserveJob(kind, result string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(kind, result).Inc()
	jobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveDelivery records how a broker delivery was settled.
func ObserveDelivery(disposition string) {
	Init()
	deliveriesTotal.WithLabelValues(disposition).Inc()
}

// ObserveFetch records one upstream request. code is 0 for transport errors.
func ObserveFetch(code int, duration time.Duration) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	fetchTotal.WithLabelValues(label).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveConnectAttempt records one broker dial.
func ObserveConnectAttempt(err error) {
	Init()
	result := "success"
	if err != nil {
		result = "failure"
	}
	brokerConnectAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveDayPersisted counts a stored day.
func ObserveDayPersisted(lang string) {
	Init()
	daysPersistedTotal.WithLabelValues(lang).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// SetJobInFlight flips the in-flight gauge.
func SetJobInFlight(active bool) {
	Init()
	if active {
		jobInFlight.Set(1)
		return
	}
	jobInFlight.Set(0)
}
