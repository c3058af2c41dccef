package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/scaneye/scaneye/internal/config"
	"github.com/scaneye/scaneye/internal/middleware"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	// CORS (if enabled)
	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(
			cfg.CORS.AllowedOrigins,
			cfg.CORS.AllowedMethods,
			cfg.CORS.AllowedHeaders,
			cfg.CORS.MaxAgeSeconds,
		))
	}

	// Initialize handlers
	healthHandler := NewHealthHandler(deps.Engine)
	configHandler := NewConfigHandler(deps)
	scanHandler := NewScanHandler(deps)
	speedTestHandler := NewSpeedTestHandler(deps)
	eventsHandler := NewEventsHandler(deps.Bus, logger)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if deps.Metrics != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimit.Enabled {
			r.Use(httprate.Limit(
				cfg.RateLimit.Requests,
				cfg.RateLimit.Window(),
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					sendError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, please try again later", nil)
				}),
			))
		}

		r.Get("/network-info", scanHandler.NetworkInfo)

		r.Get("/config", configHandler.Get)
		r.Post("/config", configHandler.Update)

		r.Get("/results", scanHandler.Results)
		r.Get("/scan", scanHandler.AdHoc)
		r.Post("/scan/trigger", scanHandler.Trigger)

		r.Get("/speed-test", speedTestHandler.Run)

		r.Get("/events", eventsHandler.ServeWS)
	})

	if spa, ok := newSPAHandler(cfg.Server.StaticDir); ok {
		r.NotFound(spa.ServeHTTP)
	} else {
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		})
	}

	return r
}
