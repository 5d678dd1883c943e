package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/discovery", func(r chi.Router) {
		r.Post("/start", s.handleStartDiscovery)
		r.Get("/{projectID}/status", s.handleProjectStatus)
		r.Get("/{projectID}/sources", s.handleProjectSources)
	})

	r.Post("/api/webhooks/firecrawl", s.handleFirecrawlWebhook)

	return r
}
