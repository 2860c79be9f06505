package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maltedev/review-crawler/internal/metrics"
)

// NewRouter mounts the handlers. No request timeout middleware: the Steam
// stream stays open for the whole crawl.
func NewRouter(h *Handlers, m *metrics.Metrics, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/steam", func(r chi.Router) {
			r.Get("/stream", h.SteamStream)
			r.Post("/crawls", h.CreateSteamCrawl)
		})

		r.Route("/playstore", func(r chi.Router) {
			r.Post("/crawls", h.CreatePlayStoreCrawl)
		})

		r.Get("/stats", h.GetStats)
		r.Get("/reviews/count", h.CountReviews)
		r.Get("/crawls", h.ListJobs)
		r.Get("/crawls/{jobID}", h.GetJob)
		r.Get("/playstore/crawls/{jobID}", h.GetJob)
		r.Get("/steam/crawls/{jobID}", h.GetJob)
	})

	return r
}
