package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
	"github.com/lalithlochan/gatecall/internal/delivery"
	"github.com/lalithlochan/gatecall/internal/dispatch"
	"github.com/lalithlochan/gatecall/internal/metrics"
	"github.com/lalithlochan/gatecall/internal/preference"
)

// DeliveryRepository defines the delivery read paths the API uses
type DeliveryRepository interface {
	GetDelivery(ctx context.Context, notificationID uuid.UUID) (*db.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, state string, limit int) ([]*db.DeliveryRecord, error)
	DeliveryStats(ctx context.Context, since time.Time) (*db.DeliveryStats, error)
}

// Dispatcher dispatches events and saves operator changes to records
type Dispatcher interface {
	DispatchEvent(ctx context.Context, ev db.NotificationEvent) ([]*db.DeliveryRecord, error)
	Update(ctx context.Context, rec *db.DeliveryRecord) error
}

// EventQueue accepts events for asynchronous dispatch
type EventQueue interface {
	Enqueue(ctx context.Context, ev db.NotificationEvent, source string) (string, error)
}

// BoardingScheduler exposes the scheduler's operations
type BoardingScheduler interface {
	RunCycle(ctx context.Context, now time.Time) (int, error)
	RunCheckInReminders(ctx context.Context, now time.Time) (int, error)
	CleanupMarkers(ctx context.Context, now time.Time) (int, error)
	SendManualBoardingCall(ctx context.Context, flightID, passengerID int64) (bool, error)
}

// RetrySweeper runs one retry batch
type RetrySweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// EventRequest represents the incoming event body
type EventRequest struct {
	Type       string         `json:"type" validate:"required"`
	FlightID   int64          `json:"flight_id" validate:"required,gt=0"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Priority   string         `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
}

// RetryRequest is the optional body of a manual retry
type RetryRequest struct {
	DelayMinutes *int `json:"delay_minutes,omitempty" validate:"omitempty,min=0,max=1440"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// DeliveryView is a delivery record with its operator-facing state
type DeliveryView struct {
	*db.DeliveryRecord
	State string `json:"state"`
}

func viewOf(rec *db.DeliveryRecord) DeliveryView {
	return DeliveryView{DeliveryRecord: rec, State: delivery.State(rec)}
}

var listStates = map[string]bool{
	db.StatusPending:       true,
	db.StatusSent:          true,
	db.StatusDelivered:     true,
	db.StatusFailed:        true,
	db.StatusCancelled:     true,
	db.StateRetryScheduled: true,
	db.StateExhausted:      true,
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	repo       DeliveryRepository
	dispatcher Dispatcher
	boarding   BoardingScheduler
	sweeper    RetrySweeper
	queue      EventQueue // nil if SQS not configured
	prefs      PreferenceStore
	breakers   BreakerRegistry
	checks     []readinessCheck
	validate   *validator.Validate
	now        func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo DeliveryRepository, dispatcher Dispatcher, boarding BoardingScheduler, sweeper RetrySweeper) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
		boarding:   boarding,
		sweeper:    sweeper,
		validate:   preference.Validator(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithQueue makes event intake enqueue to q instead of dispatching inline
func (h *Handler) WithQueue(q EventQueue) *Handler {
	h.queue = q
	return h
}

// CreateEvent handles POST /v1/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
		return
	}

	ev := db.NotificationEvent{
		Type:       db.NotificationType(req.Type),
		FlightID:   req.FlightID,
		Attributes: req.Attributes,
		Priority:   db.Priority(req.Priority),
	}
	if !ev.Type.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "unknown notification type "+req.Type)
		return
	}

	metrics.RecordEventReceived(req.Type, "api")

	if h.queue != nil {
		eventID, err := h.queue.Enqueue(ctx, ev, "api")
		if err != nil {
			h.logger.Error("failed to enqueue event",
				zap.Error(err),
				zap.Int64("flight_id", ev.FlightID),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue event", "")
			return
		}

		h.writeJSON(w, http.StatusAccepted, map[string]string{
			"event_id": eventID,
			"status":   "queued",
		})
		return
	}

	recs, err := h.dispatcher.DispatchEvent(ctx, ev)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Flight not found", "")
		return
	case errors.Is(err, dispatch.ErrUnknownType):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", err.Error())
		return
	case err != nil:
		h.logger.Error("failed to dispatch event",
			zap.Error(err),
			zap.Int64("flight_id", ev.FlightID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch event", "")
		return
	}

	views := make([]DeliveryView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"data":  views,
		"count": len(views),
	})
}

// GetDelivery handles GET /v1/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadDelivery(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, viewOf(rec))
}

// ListDeliveries handles GET /v1/deliveries?state=exhausted&limit=50
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	if state != "" && !listStates[state] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid state",
			"state must be one of: pending, sent, delivered, failed, retry_scheduled, exhausted, cancelled")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	recs, err := h.repo.ListDeliveries(ctx, state, limit)
	if err != nil {
		h.logger.Error("failed to list deliveries",
			zap.Error(err),
			zap.String("state", state),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	views := make([]DeliveryView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  views,
		"state": state,
		"limit": limit,
		"count": len(views),
	})
}

// RetryDelivery handles POST /v1/deliveries/{id}/retry
func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RetryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid retry", err.Error())
		return
	}

	rec, ok := h.loadDelivery(w, r)
	if !ok {
		return
	}

	if rec.Status == db.StatusSent || rec.Status == db.StatusDelivered {
		h.writeError(w, http.StatusConflict, "invalid_state", "Delivery already succeeded", "status is "+rec.Status)
		return
	}

	var delay *time.Duration
	if req.DelayMinutes != nil {
		d := time.Duration(*req.DelayMinutes) * time.Minute
		delay = &d
	}
	delivery.ScheduleRetry(rec, delay, h.now())

	if err := h.dispatcher.Update(ctx, rec); err != nil {
		h.logger.Error("failed to schedule retry",
			zap.Error(err),
			zap.String("notification_id", rec.NotificationID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to schedule retry", "")
		return
	}

	h.logger.Info("retry scheduled",
		zap.String("notification_id", rec.NotificationID.String()),
		zap.Timep("retry_at", rec.RetryAt),
	)

	h.writeJSON(w, http.StatusOK, viewOf(rec))
}

// MarkDelivered handles POST /v1/deliveries/{id}/delivered
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadDelivery(w, r)
	if !ok {
		return
	}

	if !delivery.MarkDelivered(rec, h.now()) {
		h.writeError(w, http.StatusConflict, "invalid_state", "Delivery is not sent", "status is "+rec.Status)
		return
	}

	if err := h.dispatcher.Update(r.Context(), rec); err != nil {
		h.logger.Error("failed to mark delivered",
			zap.Error(err),
			zap.String("notification_id", rec.NotificationID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update delivery", "")
		return
	}

	h.writeJSON(w, http.StatusOK, viewOf(rec))
}

// Stats handles GET /v1/stats?hours=24
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if hoursStr := r.URL.Query().Get("hours"); hoursStr != "" {
		if v, err := strconv.Atoi(hoursStr); err == nil && v > 0 && v <= 24*90 {
			hours = v
		}
	}

	stats, err := h.repo.DeliveryStats(r.Context(), h.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		h.logger.Error("failed to load stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load stats", "")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// RunBoarding handles POST /v1/boarding/run
func (h *Handler) RunBoarding(w http.ResponseWriter, r *http.Request) {
	h.runCount(w, r, "boarding cycle", "flights", func(ctx context.Context) (int, error) {
		return h.boarding.RunCycle(ctx, h.now())
	})
}

// RunCheckIn handles POST /v1/check-in/run
func (h *Handler) RunCheckIn(w http.ResponseWriter, r *http.Request) {
	h.runCount(w, r, "check-in reminders", "flights", func(ctx context.Context) (int, error) {
		return h.boarding.RunCheckInReminders(ctx, h.now())
	})
}

// CleanupMarkers handles POST /v1/boarding/cleanup
func (h *Handler) CleanupMarkers(w http.ResponseWriter, r *http.Request) {
	h.runCount(w, r, "marker cleanup", "markers", func(ctx context.Context) (int, error) {
		return h.boarding.CleanupMarkers(ctx, h.now())
	})
}

// SweepRetries handles POST /v1/retries/sweep
func (h *Handler) SweepRetries(w http.ResponseWriter, r *http.Request) {
	h.runCount(w, r, "retry sweep", "processed", h.sweeper.Sweep)
}

func (h *Handler) runCount(w http.ResponseWriter, r *http.Request, what, field string, run func(context.Context) (int, error)) {
	n, err := run(r.Context())
	if err != nil {
		h.logger.Error(what+" failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "operation_failed", what+" failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{field: n})
}

// ManualBoardingCall handles POST /v1/flights/{flight_id}/passengers/{passenger_id}/boarding-call
func (h *Handler) ManualBoardingCall(w http.ResponseWriter, r *http.Request) {
	flightID, err := strconv.ParseInt(chi.URLParam(r, "flight_id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid flight ID", "flight_id must be an integer")
		return
	}
	passengerID, err := strconv.ParseInt(chi.URLParam(r, "passenger_id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid passenger ID", "passenger_id must be an integer")
		return
	}

	sent, err := h.boarding.SendManualBoardingCall(r.Context(), flightID, passengerID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Flight or passenger not found", "")
		return
	}
	if err != nil {
		h.logger.Error("manual boarding call failed",
			zap.Error(err),
			zap.Int64("flight_id", flightID),
			zap.Int64("passenger_id", passengerID),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to send boarding call", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

func (h *Handler) loadDelivery(w http.ResponseWriter, r *http.Request) (*db.DeliveryRecord, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return nil, false
	}

	rec, err := h.repo.GetDelivery(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get delivery",
			zap.Error(err),
			zap.String("notification_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get delivery", "")
		return nil, false
	}

	return rec, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
