package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Auth-core metrics. Counters only; the interesting latency lives in the
// backing store and is covered by the HTTP histogram above.
var (
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_credential_attempts_total",
			Help: "Credential verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_rotations_total",
			Help: "Refresh token rotation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	revocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_revocations_total",
			Help: "Session revocations by scope (family or all).",
		},
		[]string{"scope"},
	)

	permissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_permission_denials_total",
			Help: "Permission evaluator denials by action.",
		},
		[]string{"action"},
	)

	ledgerRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_ledger_rejections_total",
		Help: "Tokens rejected because their jti or family is in the ledger.",
	})

	fanoutFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_denylist_fanout_failures_total",
		Help: "Revocations that could not be mirrored into the deny-list.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		authAttemptsTotal, tokenRotationsTotal, revocationsTotal,
		permissionDenialsTotal, ledgerRejectionsTotal, fanoutFailuresTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// IncAuthAttempt records a credential verification outcome
// (ok, invalid_credentials, inactive, error).
func IncAuthAttempt(outcome string) { authAttemptsTotal.WithLabelValues(outcome).Inc() }

// IncRotation records a refresh rotation outcome (ok, expired, blacklisted, malformed, error).
func IncRotation(outcome string) { tokenRotationsTotal.WithLabelValues(outcome).Inc() }

// IncRevocation records a revocation by scope ("family" or "all").
func IncRevocation(scope string) { revocationsTotal.WithLabelValues(scope).Inc() }

// IncPermissionDenial records a permission denial for an action.
func IncPermissionDenial(action string) { permissionDenialsTotal.WithLabelValues(action).Inc() }

// IncLedgerRejection records a token rejected via the ledger deny-list.
func IncLedgerRejection() { ledgerRejectionsTotal.Inc() }

// IncFanOutFailure records a revocation whose deny-list mirror write failed.
func IncFanOutFailure() { fanoutFailuresTotal.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
