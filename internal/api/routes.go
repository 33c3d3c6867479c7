package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, debugSecret string) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Public routes.
	r.Get("/health", h.HandleHealth)
	r.Post("/webhook/amo", h.webhook.Handle)

	// Apply is bursty-admin traffic: allow 5 at a time, refilling one
	// every 2 seconds, on top of the debug secret gate.
	applyRateLimiter := NewTokenBucketLimiter(5, 2*time.Second)

	r.Group(func(r chi.Router) {
		r.Use(DebugSecretMiddleware(debugSecret))

		r.Get("/sync/contacts/dry-run", h.HandleDryRun)
		r.With(applyRateLimiter.Middleware).Post("/sync/contacts/apply", h.HandleApply)

		r.Route("/debug", func(r chi.Router) {
			r.Get("/metrics", h.HandleDebugMetrics)
			r.Get("/events", h.HandleDebugEvents)
			r.Get("/group-cache", h.HandleDebugGroupCache)
			r.Get("/queue", h.HandleDebugQueue)
			r.Get("/directory-connections", h.HandleDebugConnections)
			r.Post("/merge/by-phone", h.HandleDebugMergeByPhone)
		})
	})

	return r
}
