package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service registry: HTTP server metrics plus the answer
// pipeline counters.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	answersTotal      *prometheus.CounterVec
	answerDuration    *prometheus.HistogramVec
	cacheLookupsTotal *prometheus.CounterVec
	fallbackTotal     *prometheus.CounterVec
	quotaRejectsTotal *prometheus.CounterVec
	retrievedChunks   *prometheus.HistogramVec
	llmTokensTotal    *prometheus.CounterVec
}

func New(service string) *Metrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kqa",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kqa",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kqa",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	answersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kqa",
			Subsystem: "rag",
			Name:      "answers_total",
			Help:      "Total answer streams by terminal outcome.",
		},
		[]string{"service", "outcome"},
	)
	answerDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kqa",
			Subsystem: "rag",
			Name:      "answer_duration_seconds",
			Help:      "End-to-end answer stream duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kqa",
			Subsystem: "rag",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and result.",
		},
		[]string{"service", "cache", "result"},
	)
	fallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kqa",
			Subsystem: "rag",
			Name:      "fallback_searches_total",
			Help:      "Retrievals that required the low-threshold fallback search.",
		},
		[]string{"service"},
	)
	quotaRejectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kqa",
			Subsystem: "rag",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by the token usage ledger.",
		},
		[]string{"service"},
	)
	retrievedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kqa",
			Subsystem: "rag",
			Name:      "retrieved_chunks",
			Help:      "Distribution of context chunks per answered request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	llmTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kqa",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Token usage reported by provider calls, by direction.",
		},
		[]string{"service", "direction"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		answersTotal,
		answerDuration,
		cacheLookupsTotal,
		fallbackTotal,
		quotaRejectsTotal,
		retrievedChunks,
		llmTokensTotal,
	)

	return &Metrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		answersTotal:      answersTotal,
		answerDuration:    answerDuration,
		cacheLookupsTotal: cacheLookupsTotal,
		fallbackTotal:     fallbackTotal,
		quotaRejectsTotal: quotaRejectsTotal,
		retrievedChunks:   retrievedChunks,
		llmTokensTotal:    llmTokensTotal,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			r.URL.Path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
