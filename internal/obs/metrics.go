package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Authentication and authorization metrics
var (
	credentialVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_credential_verifications_total",
			Help: "Credential verifications by method and result.",
		},
		[]string{"method", "result"},
	)

	oauthGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_oauth_grants_total",
			Help: "OAuth token endpoint outcomes by grant type.",
		},
		[]string{"grant_type", "result"},
	)

	refreshReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorum_refresh_reuse_detected_total",
		Help: "Refresh token replays that revoked a token family.",
	})

	auditFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_audit_failures_total",
			Help: "Audit records that could not be persisted.",
		},
		[]string{"operation"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service passes its readiness check.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			credentialVerifications, oauthGrants, refreshReuse, auditFailures, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CredentialVerified counts a verification attempt for method (static-token, oauth, session).
func CredentialVerified(method string, ok bool) {
	credentialVerifications.WithLabelValues(method, result(ok)).Inc()
}

// OAuthGrant counts a token endpoint outcome.
func OAuthGrant(grantType string, ok bool) {
	oauthGrants.WithLabelValues(grantType, result(ok)).Inc()
}

// RefreshReuseDetected counts a family revocation caused by a replayed refresh token.
func RefreshReuseDetected() {
	refreshReuse.Inc()
}

// AuditFailed counts an audit append failure.
func AuditFailed(operation string) {
	auditFailures.WithLabelValues(operation).Inc()
}

// SetReady publishes the readiness state.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

// Instrument records in-flight, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses path parameters so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "workspaces":
		parts[2] = ":slug"
		switch {
		case len(parts) == 3:
		case len(parts) == 4 && (parts[3] == "archive" || parts[3] == "members" || parts[3] == "audit"):
		case len(parts) == 5 && parts[3] == "members":
			parts[4] = ":email"
		default:
			return raw
		}
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "tokens":
		parts[2] = ":id"
	default:
		return raw
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
