package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	r.Get("/status", s.HandleStatus)

	r.Route("/frames", func(r chi.Router) {
		r.Get("/", s.HandleListFrames)
		r.Get("/{id}", s.HandleGetFrame)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/stop", s.HandleStop)
	})
}
