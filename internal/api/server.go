// Package api provides the REST API server mobile clients synchronise through.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "checkapp-sync"

// ServerOption configures the sync API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	defaultSchema  string
	maxBodyBytes   int64
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithDefaultSchema sets the tenant used when the request context carries none
func WithDefaultSchema(schema string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.defaultSchema = schema
	}
}

// WithMaxBodyBytes bounds push request bodies
func WithMaxBodyBytes(n int64) ServerOption {
	return func(cfg *serverConfig) {
		if n > 0 {
			cfg.maxBodyBytes = n
		}
	}
}

// WithMetricsHandler serves h on /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// NewServer creates and configures the HTTP router with the given services and options
func NewServer(svc Services, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares:   []func(http.Handler) http.Handler{},
		defaultSchema: config.DefaultTenantSchema,
		maxBodyBytes:  config.DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handlers{svc: svc, cfg: cfg}
	r := chi.NewRouter()

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", h.readiness)
	r.Get("/version", versionHandler)
	if cfg.metricsHandler != nil {
		r.Handle("/metrics", cfg.metricsHandler)
	}

	syncRoutes := func(r chi.Router) {
		r.Get("/pull", h.pull)
		r.Get("/pull/{table}", h.pull)
		r.Post("/delta", h.push)
		r.Post("/offline-data", offlineDataHandler)
	}
	r.Route("/sync", syncRoutes)
	r.Route("/api/sync", syncRoutes)
	r.Get("/api/rules/list", h.listRules)

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
