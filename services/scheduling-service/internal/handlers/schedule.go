package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/fieldops/libs/httpx"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

type ScheduleStore interface {
	UpsertWeekly(ctx context.Context, w model.WeeklyAvailability) error
	UpsertOverride(ctx context.Context, o model.ScheduleOverride) error
}

// Invalidator drops cached availability after a schedule change.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

type ScheduleHandler struct {
	store       ScheduleStore
	invalidator Invalidator
	logger      *slog.Logger
}

// NewScheduleHandler accepts a nil invalidator when no cache is configured.
func NewScheduleHandler(store ScheduleStore, invalidator Invalidator, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{store: store, invalidator: invalidator, logger: logger}
}

type weeklyRequest struct {
	ProviderID string `json:"provider_id"`
	DayOfWeek  *int   `json:"day_of_week"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
}

type overrideRequest struct {
	ProviderID  string  `json:"provider_id"`
	Date        string  `json:"date"`
	IsAvailable bool    `json:"is_available"`
	StartTime   *string `json:"start_time"`
	EndTime     *string `json:"end_time"`
	Reason      string  `json:"reason"`
}

// Weekly serves POST /api/v1/providers/weekly.
func (h *ScheduleHandler) Weekly(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req weeklyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	if req.DayOfWeek == nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "day_of_week required", nil)
		return
	}
	start, errStart := tz.ParseClock(req.StartTime)
	end, errEnd := tz.ParseClock(req.EndTime)
	if errStart != nil || errEnd != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "start_time and end_time must be HH:MM[:SS]", nil)
		return
	}

	rule := model.WeeklyAvailability{
		ProviderID: strings.TrimSpace(req.ProviderID),
		DayOfWeek:  *req.DayOfWeek,
		StartTime:  start,
		EndTime:    end,
	}
	if err := h.store.UpsertWeekly(r.Context(), rule); err != nil {
		h.writeScheduleError(w, r, err)
		return
	}
	h.invalidate(r.Context(), rule.ProviderID)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"provider_id": rule.ProviderID,
		"day_of_week": rule.DayOfWeek,
		"start_time":  rule.StartTime.String(),
		"end_time":    rule.EndTime.String(),
	})
}

// Overrides serves POST /api/v1/providers/overrides.
func (h *ScheduleHandler) Overrides(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	date, err := tz.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "date must be YYYY-MM-DD", nil)
		return
	}
	o := model.ScheduleOverride{
		ProviderID:  strings.TrimSpace(req.ProviderID),
		Date:        date,
		IsAvailable: req.IsAvailable,
		Reason:      strings.TrimSpace(req.Reason),
	}
	if o.StartTime, err = optionalClock(req.StartTime); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "start_time must be HH:MM[:SS]", nil)
		return
	}
	if o.EndTime, err = optionalClock(req.EndTime); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "end_time must be HH:MM[:SS]", nil)
		return
	}

	if err := h.store.UpsertOverride(r.Context(), o); err != nil {
		h.writeScheduleError(w, r, err)
		return
	}
	h.invalidate(r.Context(), o.ProviderID)
	resp := map[string]any{
		"provider_id":  o.ProviderID,
		"date":         o.Date.String(),
		"is_available": o.IsAvailable,
		"reason":       o.Reason,
	}
	if o.HasHours() {
		resp["start_time"] = o.StartTime.String()
		resp["end_time"] = o.EndTime.String()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func optionalClock(raw *string) (*tz.Clock, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	c, err := tz.ParseClock(strings.TrimSpace(*raw))
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (h *ScheduleHandler) invalidate(ctx context.Context, providerID string) {
	if h.invalidator == nil {
		return
	}
	if err := h.invalidator.Invalidate(ctx); err != nil {
		h.logger.Warn("availability cache invalidation failed", "provider_id", providerID, "err", err)
	}
}

func (h *ScheduleHandler) writeScheduleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidSchedule):
		httpx.WriteError(w, r, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "provider not found", nil)
	default:
		h.logger.Error("schedule write failed", "err", err, "path", r.URL.Path)
		httpx.WriteError(w, r, http.StatusInternalServerError, "failed to save schedule", nil)
	}
}
