package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/circuitbreaker"
)

// BreakerRegistry exposes the per-provider circuit breakers.
type BreakerRegistry interface {
	Stats() []circuitbreaker.Stats
	Reset(provider string) bool
}

type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

// WithBreakers enables the transport breaker endpoints
func (h *Handler) WithBreakers(b BreakerRegistry) *Handler {
	h.breakers = b
	return h
}

// WithReadinessCheck adds a dependency probed by GET /ready
func (h *Handler) WithReadinessCheck(name string, check func(ctx context.Context) error) *Handler {
	h.checks = append(h.checks, readinessCheck{name: name, check: check})
	return h
}

// Ready handles GET /ready. Every check gets two seconds.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	status := http.StatusOK

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := c.check(ctx)
		cancel()

		if err != nil {
			h.logger.Warn("readiness check failed",
				zap.String("dependency", c.name),
				zap.Error(err),
			)
			results[c.name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.name] = "ok"
	}

	h.writeJSON(w, status, map[string]any{
		"ready":  status == http.StatusOK,
		"checks": results,
	})
}

// ListTransports handles GET /v1/transports
func (h *Handler) ListTransports(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.breakers != nil {
		stats = h.breakers.Stats()
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  stats,
		"count": len(stats),
	})
}

// ResetTransport handles POST /v1/transports/{provider}/reset
func (h *Handler) ResetTransport(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	if h.breakers == nil || !h.breakers.Reset(provider) {
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown transport", "no circuit breaker for provider "+provider)
		return
	}

	h.logger.Info("transport circuit breaker reset by operator", zap.String("provider", provider))

	h.writeJSON(w, http.StatusOK, map[string]string{
		"provider": provider,
		"state":    circuitbreaker.StateClosed.String(),
	})
}
