package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/preference"
)

// PreferenceStore reads passengers and writes their notification preferences
type PreferenceStore interface {
	GetPassenger(ctx context.Context, id int64) (*db.Passenger, error)
	UpsertPreference(ctx context.Context, pref *db.Preference) error
}

// WithPreferences enables the passenger preference routes
func (h *Handler) WithPreferences(store PreferenceStore) *Handler {
	h.prefs = store
	return h
}

// GetPreferences handles GET /v1/passengers/{passenger_id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPassenger(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, preference.Effective(p))
}

// UpdatePreferences handles PUT /v1/passengers/{passenger_id}/preferences.
// Fields missing from the body keep their current effective value.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	p, ok := h.loadPassenger(w, r)
	if !ok {
		return
	}

	pref := *preference.Effective(p)
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	pref.PassengerID = p.ID

	if err := preference.Validate(&pref); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_preference", "Invalid preference", err.Error())
		return
	}

	if err := h.prefs.UpsertPreference(r.Context(), &pref); err != nil {
		h.logger.Error("failed to save preference", zap.Error(err), zap.Int64("passenger_id", p.ID))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to save preference", "")
		return
	}

	h.logger.Info("preference updated", zap.Int64("passenger_id", p.ID))
	h.writeJSON(w, http.StatusOK, &pref)
}

func (h *Handler) loadPassenger(w http.ResponseWriter, r *http.Request) (*db.Passenger, bool) {
	if h.prefs == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Preference store not configured", "")
		return nil, false
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "passenger_id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid passenger ID", "")
		return nil, false
	}

	p, err := h.prefs.GetPassenger(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Passenger not found", "")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load passenger", zap.Error(err), zap.Int64("passenger_id", id))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load passenger", "")
		return nil, false
	}

	return p, true
}
