package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/metrics"
)

// NewRouter builds the HTTP surface: operator routes under /v1, plus health,
// readiness and Prometheus endpoints. limiter may be nil.
func NewRouter(h *Handler, limiter RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		r.Post("/events", h.CreateEvent)

		r.Get("/deliveries", h.ListDeliveries)
		r.Get("/deliveries/{id}", h.GetDelivery)
		r.Post("/deliveries/{id}/retry", h.RetryDelivery)
		r.Post("/deliveries/{id}/delivered", h.MarkDelivered)

		r.Get("/stats", h.Stats)
		r.Post("/retries/sweep", h.SweepRetries)

		r.Get("/transports", h.ListTransports)
		r.Post("/transports/{provider}/reset", h.ResetTransport)

		r.Post("/boarding/run", h.RunBoarding)
		r.Post("/boarding/cleanup", h.CleanupMarkers)
		r.Post("/check-in/run", h.RunCheckIn)
		r.Get("/passengers/{passenger_id}/preferences", h.GetPreferences)
		r.Put("/passengers/{passenger_id}/preferences", h.UpdatePreferences)

		r.Post("/flights/{flight_id}/passengers/{passenger_id}/boarding-call", h.ManualBoardingCall)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", h.Ready)

	r.Handle("/metrics", metrics.Handler())

	return r
}
