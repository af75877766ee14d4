package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, health *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", health.Handle)

	r.Route("/api", func(r chi.Router) {
		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", h.StartAnalysis)
			r.Get("/{id}", h.GetAnalysis)
			r.Get("/{id}/intervals", h.GetIntervalData)
			r.Get("/{id}/attrition", h.GetAttrition)
		})
	})

	return r
}
