package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Posting-engine and payment metrics.
var (
	journalsPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_journals_posted_total",
		Help: "Journals committed by the posting engine.",
	})

	postingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_posting_failures_total",
			Help: "Rejected or failed postings by reason.",
		},
		[]string{"reason"},
	)

	idempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotent_replays_total",
		Help: "Requests answered from a stored idempotency record.",
	})

	postingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_posting_duration_seconds",
		Help:    "Posting latency including validation and commit.",
		Buckets: prometheus.DefBuckets,
	})

	paymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Applied payment state transitions.",
		},
		[]string{"kind", "to"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		journalsPosted, postingFailures, idempotentReplays,
		postingDuration, paymentTransitions,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveJournalPosted(d time.Duration) {
	journalsPosted.Inc()
	postingDuration.Observe(d.Seconds())
}

func ObservePostingFailure(reason string) {
	postingFailures.WithLabelValues(reason).Inc()
}

func ObserveIdempotentReplay() {
	idempotentReplays.Inc()
}

func ObservePaymentTransition(kind, to string) {
	paymentTransitions.WithLabelValues(kind, to).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric labels stay bounded.
// /v1/accounts/<id>/balance becomes /v1/accounts/:id/balance and so on for
// journals and payments; unknown shapes pass through untouched.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return path
	}
	suffixes := map[string]map[string]bool{
		"accounts": {"balance": true, "legs": true},
		"journals": {},
		"payments": {"transitions": true},
	}
	allowed, ok := suffixes[parts[1]]
	if !ok {
		return path
	}
	switch len(parts) {
	case 3:
		return "/v1/" + parts[1] + "/:id"
	case 4:
		if allowed[parts[3]] {
			return "/v1/" + parts[1] + "/:id/" + parts[3]
		}
	}
	return path
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
