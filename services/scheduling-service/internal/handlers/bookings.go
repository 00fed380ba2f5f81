package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/fieldops/libs/httpx"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/admission"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type BookingHandler struct {
	ctrl   *admission.Controller
	logger *slog.Logger
}

func NewBookingHandler(ctrl *admission.Controller, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{ctrl: ctrl, logger: logger}
}

type createBookingRequest struct {
	ProviderID          string `json:"provider_id"`
	ServiceID           string `json:"service_id"`
	CustomerName        string `json:"customer_name"`
	CustomerPhone       string `json:"customer_phone"`
	Notes               string `json:"notes"`
	ScheduledStart      string `json:"scheduled_start"`
	DurationMinutes     int    `json:"duration_minutes"`
	BufferBeforeMinutes int    `json:"buffer_before_minutes"`
	BufferAfterMinutes  int    `json:"buffer_after_minutes"`
	Status              string `json:"status"`
	IdempotencyKey      string `json:"idempotency_key"`
}

type updateBookingRequest struct {
	BookingID           string  `json:"booking_id"`
	ProviderID          *string `json:"provider_id"`
	ScheduledStart      *string `json:"scheduled_start"`
	DurationMinutes     *int    `json:"duration_minutes"`
	BufferBeforeMinutes *int    `json:"buffer_before_minutes"`
	BufferAfterMinutes  *int    `json:"buffer_after_minutes"`
	CustomerName        *string `json:"customer_name"`
	CustomerPhone       *string `json:"customer_phone"`
	Notes               *string `json:"notes"`
}

type statusRequest struct {
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

type BookingResponse struct {
	BookingID           string `json:"booking_id"`
	ProviderID          string `json:"provider_id,omitempty"`
	ServiceID           string `json:"service_id,omitempty"`
	CustomerName        string `json:"customer_name,omitempty"`
	CustomerPhone       string `json:"customer_phone,omitempty"`
	Notes               string `json:"notes,omitempty"`
	ScheduledStart      string `json:"scheduled_start"`
	AppointmentEnd      string `json:"appointment_end"`
	DurationMinutes     int    `json:"duration_minutes"`
	BufferBeforeMinutes int    `json:"buffer_before_minutes"`
	BufferAfterMinutes  int    `json:"buffer_after_minutes"`
	Status              string `json:"status"`
	CreatedAt           string `json:"created_at,omitempty"`
	UpdatedAt           string `json:"updated_at,omitempty"`
}

// ConflictDetails is the body detail of a 409: the requested blocked range and the
// range of the booking it collides with.
type ConflictDetails struct {
	ProviderID       string `json:"provider_id"`
	RequestedStart   string `json:"requested_start"`
	RequestedEnd     string `json:"requested_end"`
	CollidingStart   string `json:"colliding_start,omitempty"`
	CollidingEnd     string `json:"colliding_end,omitempty"`
	CollidingBooking string `json:"colliding_booking_id,omitempty"`
}

func NewBookingResponse(b model.Booking) BookingResponse {
	resp := BookingResponse{
		BookingID:           b.ID,
		ProviderID:          b.ProviderID,
		ServiceID:           b.ServiceID,
		CustomerName:        b.CustomerName,
		CustomerPhone:       b.CustomerPhone,
		Notes:               b.Notes,
		ScheduledStart:      b.ScheduledStart.UTC().Format(time.RFC3339),
		AppointmentEnd:      b.AppointmentEnd().UTC().Format(time.RFC3339),
		DurationMinutes:     b.DurationMinutes,
		BufferBeforeMinutes: b.BufferBeforeMinutes,
		BufferAfterMinutes:  b.BufferAfterMinutes,
		Status:              string(b.Status),
	}
	if !b.CreatedAt.IsZero() {
		resp.CreatedAt = b.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !b.UpdatedAt.IsZero() {
		resp.UpdatedAt = b.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// Bookings serves /api/v1/bookings: POST creates, GET lists (provider_id, from, to) or
// fetches one booking (id).
func (h *BookingHandler) Bookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
			h.get(w, r, id)
			return
		}
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BookingHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledStart))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "scheduled_start must be RFC3339", nil)
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	b, err := h.ctrl.Create(r.Context(), admission.CreateRequest{
		ProviderID:          req.ProviderID,
		ServiceID:           req.ServiceID,
		CustomerName:        req.CustomerName,
		CustomerPhone:       req.CustomerPhone,
		Notes:               req.Notes,
		ScheduledStart:      start,
		DurationMinutes:     req.DurationMinutes,
		BufferBeforeMinutes: req.BufferBeforeMinutes,
		BufferAfterMinutes:  req.BufferAfterMinutes,
		Status:              model.Status(strings.TrimSpace(req.Status)),
		IdempotencyKey:      key,
	})
	if err != nil {
		h.writeAdmissionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, NewBookingResponse(b))
}

// Update serves POST /api/v1/bookings/update.
func (h *BookingHandler) Update(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req updateBookingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	id := strings.TrimSpace(req.BookingID)
	if id == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "booking_id required", nil)
		return
	}

	upd := admission.UpdateRequest{
		ProviderID:          req.ProviderID,
		DurationMinutes:     req.DurationMinutes,
		BufferBeforeMinutes: req.BufferBeforeMinutes,
		BufferAfterMinutes:  req.BufferAfterMinutes,
		CustomerName:        req.CustomerName,
		CustomerPhone:       req.CustomerPhone,
		Notes:               req.Notes,
	}
	if req.ScheduledStart != nil {
		start, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ScheduledStart))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "scheduled_start must be RFC3339", nil)
			return
		}
		upd.ScheduledStart = &start
	}

	b, err := h.ctrl.Update(r.Context(), id, upd)
	if err != nil {
		h.writeAdmissionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, NewBookingResponse(b))
}

// Status serves POST /api/v1/bookings/status.
func (h *BookingHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	id := strings.TrimSpace(req.BookingID)
	to, ok := model.ParseStatus(strings.TrimSpace(req.Status))
	if id == "" || !ok {
		httpx.WriteError(w, r, http.StatusBadRequest, "booking_id and a valid status required", nil)
		return
	}

	b, err := h.ctrl.Transition(r.Context(), id, to)
	if err != nil {
		h.writeAdmissionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, NewBookingResponse(b))
}

func (h *BookingHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	b, err := h.ctrl.Get(r.Context(), id)
	if err != nil {
		h.writeAdmissionError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, NewBookingResponse(b))
}

func (h *BookingHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, errFrom := time.Parse(time.RFC3339, strings.TrimSpace(q.Get("from")))
	to, errTo := time.Parse(time.RFC3339, strings.TrimSpace(q.Get("to")))
	if errFrom != nil || errTo != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "from and to must be RFC3339", nil)
		return
	}

	bookings, err := h.ctrl.List(r.Context(), strings.TrimSpace(q.Get("provider_id")), from, to)
	if err != nil {
		h.writeAdmissionError(w, r, err)
		return
	}
	items := make([]BookingResponse, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, NewBookingResponse(b))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bookings": items})
}

func (h *BookingHandler) writeAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *admission.ConflictError
	switch {
	case errors.As(err, &conflict):
		httpx.WriteError(w, r, http.StatusConflict, conflict.Error(), NewConflictDetails(conflict))
	case errors.Is(err, admission.ErrInvalidBooking):
		httpx.WriteError(w, r, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, admission.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "booking not found", nil)
	case errors.Is(err, admission.ErrInvalidTransition):
		httpx.WriteError(w, r, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.Is(err, admission.ErrBookingChanged):
		httpx.WriteError(w, r, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("admission timed out", "err", err, "path", r.URL.Path)
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "booking store busy, retry", nil)
	default:
		h.logger.Error("admission failed", "err", err, "path", r.URL.Path)
		httpx.WriteError(w, r, http.StatusInternalServerError, "failed to write booking", nil)
	}
}

func NewConflictDetails(e *admission.ConflictError) ConflictDetails {
	d := ConflictDetails{
		ProviderID:       e.ProviderID,
		RequestedStart:   e.Requested.Start.UTC().Format(time.RFC3339),
		RequestedEnd:     e.Requested.End.UTC().Format(time.RFC3339),
		CollidingBooking: e.BookingID,
	}
	if !e.Colliding.Empty() {
		d.CollidingStart = e.Colliding.Start.UTC().Format(time.RFC3339)
		d.CollidingEnd = e.Colliding.End.UTC().Format(time.RFC3339)
	}
	return d
}
