package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after crossing the failure threshold.",
	})

	tokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Access/refresh token pairs issued.",
	})

	tokensRotatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_rotated_total",
		Help: "Refresh tokens rotated.",
	})

	tokensRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_tokens_revoked_total",
		Help: "Refresh tokens revoked.",
	})

	auditDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_audit_drops_total",
		Help: "Audit events that failed to persist.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, lockoutsTotal,
		tokensIssuedTotal, tokensRotatedTotal, tokensRevokedTotal,
		auditDropsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt by method and outcome.
func ObserveLogin(method, outcome string) {
	loginsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveLockout counts a threshold-triggered lockout.
func ObserveLockout() { lockoutsTotal.Inc() }

// ObserveTokenIssued counts an issued token pair.
func ObserveTokenIssued() { tokensIssuedTotal.Inc() }

// ObserveTokenRotated counts a rotation.
func ObserveTokenRotated() { tokensRotatedTotal.Inc() }

// ObserveTokenRevoked counts a revocation.
func ObserveTokenRevoked() { tokensRevokedTotal.Inc() }

// ObserveAuditDrop counts an audit event that could not be persisted.
func ObserveAuditDrop() { auditDropsTotal.Inc() }

// Instrument wraps a handler with request count/latency/in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

// statusWriter records the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
