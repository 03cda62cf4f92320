package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection reasons reported on token_rejections_total.
const (
	RejectionInvalidAccessToken  = "invalid_access_token"
	RejectionInvalidRefreshToken = "invalid_refresh_token"
	RejectionPrincipalNotFound   = "principal_not_found"
	RejectionIPMismatch          = "ip_mismatch"
	RejectionInvalidCredentials  = "invalid_credentials"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer and the token lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	tokensIssued    prometheus.Counter
	tokensEvicted   prometheus.Counter
	tokensRevoked   *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	tokensIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_issued_total",
		Help: "Token pairs issued, including rotations",
	})

	tokensEvicted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_tokens_evicted_total",
		Help: "Refresh tokens evicted to keep principals within their active token bound",
	})

	tokensRevoked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refresh_tokens_revoked_total",
		Help: "Refresh token revocations by outcome",
	}, []string{"result"})

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_rejections_total",
		Help: "Rejected token operations by reason",
	}, []string{"reason"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refresh_token_store_duration_seconds",
		Help:    "Latency of refresh token store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, tokensIssued, tokensEvicted, tokensRevoked, rejections, storeLatency, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		tokensIssued:    tokensIssued,
		tokensEvicted:   tokensEvicted,
		tokensRevoked:   tokensRevoked,
		rejections:      rejections,
		storeLatency:    storeLatency,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordIssue counts an issued pair and the refresh tokens evicted to make room for it.
func (m *MetricsService) RecordIssue(evicted int) {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
	if evicted > 0 {
		m.tokensEvicted.Add(float64(evicted))
	}
}

// RecordRevoke counts a revocation by its outcome label.
func (m *MetricsService) RecordRevoke(result string) {
	if m == nil {
		return
	}
	m.tokensRevoked.WithLabelValues(result).Inc()
}

// RecordRejection counts a rejected token operation.
func (m *MetricsService) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveStore records refresh token store latency for op.
func (m *MetricsService) ObserveStore(op string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeLatency.WithLabelValues(op).Observe(duration.Seconds())
}
