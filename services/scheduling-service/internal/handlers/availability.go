package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/fieldops/libs/httpx"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

// AvailabilityQuerier is satisfied by *availability.Service and its Redis cache.
type AvailabilityQuerier interface {
	GetAvailability(ctx context.Context, q availability.Query) (availability.Response, error)
}

type AvailabilityHandler struct {
	querier AvailabilityQuerier
	logger  *slog.Logger
}

func NewAvailabilityHandler(querier AvailabilityQuerier, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{querier: querier, logger: logger}
}

// Get serves GET /api/v1/availability?service=&date=&end_date=&preferred_provider_id=.
func (h *AvailabilityHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	query := availability.Query{
		ServiceName:         q.Get("service"),
		PreferredProviderID: strings.TrimSpace(q.Get("preferred_provider_id")),
	}
	start, err := tz.ParseDate(strings.TrimSpace(q.Get("date")))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "date must be YYYY-MM-DD", nil)
		return
	}
	query.StartDate = start
	if raw := strings.TrimSpace(q.Get("end_date")); raw != "" {
		end, err := tz.ParseDate(raw)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "end_date must be YYYY-MM-DD", nil)
			return
		}
		query.EndDate = &end
	}

	resp, err := h.querier.GetAvailability(r.Context(), query)
	if err != nil {
		if errors.Is(err, availability.ErrInvalidQuery) {
			httpx.WriteError(w, r, http.StatusBadRequest, err.Error(), nil)
			return
		}
		h.logger.Error("availability query failed", "err", err, "service", query.ServiceName)
		httpx.WriteError(w, r, http.StatusInternalServerError, "failed to load availability", nil)
		return
	}
	if resp.Slots == nil {
		resp.Slots = []availability.ProviderSlots{}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
