// ABOUTME: HTTP server struct, constructor, and router wiring for the queuectl API.
// ABOUTME: Read and operate surface over the job repository plus /healthz and /metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/queuectl/internal/config"
	"github.com/scarson/queuectl/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	log         *slog.Logger
	rateLimiter *ipRateLimiter
	registry    *prometheus.Registry
}

// NewServer creates a Server over s. cfg supplies the rate limit settings;
// log may be nil to use slog.Default().
func NewServer(s *store.Store, cfg *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(newQueueCollector(s, log))

	return &Server{
		store:       s,
		log:         log,
		rateLimiter: newIPRateLimiter(rate.Limit(float64(perMinute)/60), perMinute, evictTTL),
		registry:    reg,
	}
}

// Close stops the server's background goroutines.
func (srv *Server) Close() {
	srv.rateLimiter.stop()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	// Process metrics (worker counters, Go runtime) plus queue gauges read
	// from the store at scrape time.
	r.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, srv.registry},
		promhttp.HandlerOpts{},
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", srv.statusHandler)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", srv.listJobsHandler)
			r.With(srv.mutationRateLimit()).Post("/", srv.enqueueHandler)
			r.Get("/{id}", srv.getJobHandler)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", srv.listDeadLettersHandler)
			r.With(srv.mutationRateLimit()).Post("/{id}/retry", srv.retryDeadLetterHandler)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/", srv.listConfigHandler)
			r.Get("/{key}", srv.getConfigHandler)
			r.With(srv.mutationRateLimit()).Put("/{key}", srv.setConfigHandler)
		})
	})

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the store is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.store.Ping(r.Context()); err != nil {
		srv.log.WarnContext(r.Context(), "healthz: store ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", DB: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
