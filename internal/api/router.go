package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agrofleet/herald/internal/metrics"
	"github.com/agrofleet/herald/internal/redis"
)

// NewRouter assembles the HTTP surface. limiter may be nil to disable rate
// limiting (development mode).
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.With(RateLimitMiddleware(limiter, logger, ApplicationKeyFunc)).
				Post("/", h.SubmitRequest)
			r.Get("/{id}", h.GetRequest)
			r.Get("/{id}/messages", h.ListRequestMessages)
			r.Get("/{id}/events", h.GetRequestEvents)
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/status", h.QueueStatus)
			r.Post("/messages/{id}/promote", h.PromoteMessage)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", h.ListDeliveries)
			r.Get("/{id}", h.GetDelivery)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Post("/", h.CreateProvider)
			r.Get("/", h.ListProviders)
			r.Get("/{id}", h.GetProvider)
			r.Post("/{id}/default", h.SetDefaultProvider)
			r.Post("/{id}/activate", h.SetProviderActive(true))
			r.Post("/{id}/deactivate", h.SetProviderActive(false))
		})

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/events/archive", h.ArchiveEvents)
			r.Post("/events/purge", h.PurgeEvents)
			r.Post("/queue/purge", h.PurgeQueue)
			r.Post("/retry-failed", h.RetryFailed)
		})
	})

	return r
}
