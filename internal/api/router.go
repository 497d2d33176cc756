package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eacon/tokenpay/internal/handler"
	"github.com/eacon/tokenpay/internal/infrastructure/auth"
	"github.com/eacon/tokenpay/internal/infrastructure/redis"
	"github.com/eacon/tokenpay/internal/ratelimit"
	pkgerrors "github.com/eacon/tokenpay/pkg/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RequestDuration)
}

func SetupRouter(
	h *handler.Handler,
	redisClient redis.RedisClient,
	limiter ratelimit.Limiter,
	metricsHandler http.Handler,
	jwtSecret string,
) *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	h.RegisterPublicRoutes(r)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(auth.Middleware(redisClient, jwtSecret))
	protected.Use(rateLimitMiddleware(limiter))
	h.RegisterProtectedRoutes(protected)

	r.Handle("/metrics", metricsHandler)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		method := r.Method

		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := fmt.Sprintf("%d", recorder.status)
		RequestCounter.WithLabelValues(method, endpoint, status).Inc()
		RequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// rateLimitMiddleware applies the fixed-window limiter per client IP. A
// limiter failure fails open: throttling is a courtesy, not a security
// boundary.
func rateLimitMiddleware(limiter ratelimit.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				ip = fwd
			}
			allowed, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				slog.Error("rate limiter failed", "client_ip", ip, "error", err)
				allowed = true
			}
			if !allowed {
				http.Error(w, pkgerrors.ErrRateLimited.Error(), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
