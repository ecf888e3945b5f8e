package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/metrics"
)

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET  /health - liveness probe
//   - GET  /metrics - prometheus metrics
//   - HEAD /api/ping - reachability probe
//   - GET  /api/events?namespace=NS - SSE stream
//   - GET  /api/connections?namespace=NS - live subscriber count
//   - GET  /api/namespaces - namespace listing
//   - POST /api/sync/{namespace}/operations - batched envelope sync
//   - POST /api/{namespace}/operations/apply - single envelope apply
//   - GET  /api/{namespace}/tree/node/{id} - subtree snapshot
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", metrics.HealthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Head("/ping", s.handlePing)
		r.Get("/events", s.handleEvents)
		r.Get("/connections", s.handleConnections)
		r.Get("/namespaces", s.handleNamespaces)
		r.Post("/sync/{namespace}/operations", s.handleSync)
		r.Route("/{namespace}", func(r chi.Router) {
			r.Post("/operations/apply", s.handleApply)
			r.Get("/tree/node/{id}", s.handleSubtree)
		})
	})

	return r
}

// requestLogger logs each request with method, path, status and duration.
// The SSE stream endpoint is skipped: its requests stay open for hours and
// would only be logged on disconnect.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", elapsed).
			Msg("request")
	})
}
