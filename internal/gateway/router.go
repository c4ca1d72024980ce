package gateway

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the gateway router with all routes configured.
func NewRouter(h *Handler, timestampSkew time.Duration) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/sync", func(r chi.Router) {
		// Registration authorizes itself with the one-time token.
		r.Post("/register", h.Register)

		// Everything else requires a signed request from an active instance.
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.instances, timestampSkew))
			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/full", h.FullSync)
			r.Get("/changes", h.Changes)
			r.Post("/push", h.Push)
			r.Post("/item", h.PushItem)
			r.Get("/status", h.Status)
		})
	})

	r.Get("/health", h.Health)

	return r
}
