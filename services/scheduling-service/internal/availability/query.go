package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/intervals"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/metrics"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

var ErrInvalidQuery = errors.New("invalid availability query")

// Store is the batched read side the query needs. Each method is called at most once per
// query, for the whole provider set.
type Store interface {
	FindActiveServiceByName(ctx context.Context, name string) (model.Service, bool, error)
	ListQualifiedProviders(ctx context.Context, serviceID string) ([]model.Provider, error)
	ListWeeklyAvailability(ctx context.Context, providerIDs []string) ([]model.WeeklyAvailability, error)
	ListOverrides(ctx context.Context, providerIDs []string, from, to tz.Date) ([]model.ScheduleOverride, error)
	ListBlockedRanges(ctx context.Context, providerIDs []string, from, to time.Time) ([]model.BlockedRange, error)
}

// Config holds the query defaults. Zero fields take the documented defaults.
type Config struct {
	// SlotIncrementMinutes is the grid step for start times. Default 30.
	SlotIncrementMinutes int
	// DefaultRangeDays is added to the start date when no end date is given. Default 7.
	DefaultRangeDays int
	// MaxRangeDays caps end-start. Default 31.
	MaxRangeDays int
	// Concurrency bounds parallel provider resolution. Default 8.
	Concurrency int
	// EdgePadding widens the booking read on both sides so bookings that cross midnight
	// in any provider zone are seen. Default 24h.
	EdgePadding time.Duration
	// MinLeadTime hides slots starting sooner than now+MinLeadTime. Default 0.
	MinLeadTime time.Duration
	// OpenOverride chooses how is_available=true overrides without hours resolve.
	OpenOverride OpenOverridePolicy
	// FallbackPhone is quoted in messages when nothing can be offered.
	FallbackPhone string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SlotIncrementMinutes <= 0 {
		c.SlotIncrementMinutes = intervals.DefaultIncrementMinutes
	}
	if c.DefaultRangeDays <= 0 {
		c.DefaultRangeDays = 7
	}
	if c.MaxRangeDays <= 0 {
		c.MaxRangeDays = 31
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.EdgePadding <= 0 {
		c.EdgePadding = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Query struct {
	ServiceName         string
	StartDate           tz.Date
	EndDate             *tz.Date
	PreferredProviderID string
}

type ProviderSlots struct {
	ProviderID     string   `json:"provider_id"`
	ProviderName   string   `json:"provider_name"`
	IsPreferred    bool     `json:"is_preferred"`
	AvailableTimes []string `json:"available_times"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Response struct {
	Slots                  []ProviderSlots `json:"slots"`
	ServiceDurationMinutes int             `json:"service_duration_minutes"`
	DateRange              DateRange       `json:"date_range"`
	Message                string          `json:"message"`
}

type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		tracer: otel.Tracer("fieldops/availability"),
	}
}

func (s *Service) Config() Config {
	return s.cfg
}

// GetAvailability lists bookable times per qualified provider. Unknown services, missing
// providers and empty calendars are answered with a message, not an error; only malformed
// queries (ErrInvalidQuery) and storage failures return errors.
func (s *Service) GetAvailability(ctx context.Context, q Query) (Response, error) {
	started := time.Now()
	from, to, err := s.normalize(q)
	if err != nil {
		return Response{}, err
	}

	ctx, span := s.tracer.Start(ctx, "availability.query", trace.WithAttributes(
		attribute.String("service.name", q.ServiceName),
		attribute.String("range.start", from.String()),
		attribute.String("range.end", to.String()),
	))
	defer span.End()

	resp := Response{
		Slots:     []ProviderSlots{},
		DateRange: DateRange{Start: from.String(), End: to.String()},
	}

	svc, ok, err := s.store.FindActiveServiceByName(ctx, strings.TrimSpace(q.ServiceName))
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("lookup service: %w", err)
	}
	if !ok {
		resp.Message = fmt.Sprintf("We couldn't find a service called %q.%s", strings.TrimSpace(q.ServiceName), s.callUs(" Please call us at %s and we'll help you book."))
		metrics.ObserveQuery(metrics.QueryUnknownService, time.Since(started), 0)
		return resp, nil
	}
	resp.ServiceDurationMinutes = svc.DurationMinutes()
	if resp.ServiceDurationMinutes <= 0 {
		s.logger.Warn("service has no labor hours", "service_id", svc.ID)
		resp.Message = fmt.Sprintf("%s can't be booked online yet.%s", svc.Name, s.callUs(" Please call us at %s to schedule."))
		metrics.ObserveQuery(metrics.QueryNoSlots, time.Since(started), 0)
		return resp, nil
	}

	providers, err := s.store.ListQualifiedProviders(ctx, svc.ID)
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("list providers: %w", err)
	}
	if len(providers) == 0 {
		resp.Message = fmt.Sprintf("No technicians are currently available for %s.%s", svc.Name, s.callUs(" Please call us at %s to schedule."))
		metrics.ObserveQuery(metrics.QueryNoProviders, time.Since(started), 0)
		return resp, nil
	}

	snaps, err := s.loadSnapshots(ctx, providers, from, to)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	results, err := s.resolveAll(ctx, snaps, ResolveRequest{
		From:             from,
		To:               to,
		DurationMinutes:  resp.ServiceDurationMinutes,
		IncrementMinutes: s.cfg.SlotIncrementMinutes,
		NotBefore:        s.cfg.Now().Add(s.cfg.MinLeadTime),
		OpenPolicy:       s.cfg.OpenOverride,
	})
	if err != nil {
		return Response{}, err
	}

	total := 0
	for i, p := range providers {
		if len(results[i]) == 0 {
			continue
		}
		total += len(results[i])
		resp.Slots = append(resp.Slots, ProviderSlots{
			ProviderID:     p.ID,
			ProviderName:   p.Name,
			IsPreferred:    q.PreferredProviderID != "" && p.ID == q.PreferredProviderID,
			AvailableTimes: results[i],
		})
	}
	PreferFirst(resp.Slots, q.PreferredProviderID)

	span.SetAttributes(attribute.Int("providers", len(providers)), attribute.Int("slots", total))
	if total == 0 {
		resp.Message = fmt.Sprintf("No open appointments for %s between %s and %s.%s", svc.Name, from, to, s.callUs(" Please call us at %s and we'll find a time that works."))
		metrics.ObserveQuery(metrics.QueryNoSlots, time.Since(started), 0)
		return resp, nil
	}
	resp.Message = fmt.Sprintf("Found %d available times with %d technician(s) for %s (%d minutes).", total, len(resp.Slots), svc.Name, resp.ServiceDurationMinutes)
	metrics.ObserveQuery(metrics.QueryFound, time.Since(started), total)
	return resp, nil
}

func (s *Service) normalize(q Query) (tz.Date, tz.Date, error) {
	if strings.TrimSpace(q.ServiceName) == "" {
		return tz.Date{}, tz.Date{}, fmt.Errorf("%w: service name is required", ErrInvalidQuery)
	}
	if q.StartDate.IsZero() {
		return tz.Date{}, tz.Date{}, fmt.Errorf("%w: start date is required", ErrInvalidQuery)
	}
	from := q.StartDate
	to := from.AddDays(s.cfg.DefaultRangeDays)
	if q.EndDate != nil {
		to = *q.EndDate
	}
	if to.Before(from) {
		return tz.Date{}, tz.Date{}, fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidQuery, to, from)
	}
	if days := from.DaysUntil(to); days > s.cfg.MaxRangeDays {
		return tz.Date{}, tz.Date{}, fmt.Errorf("%w: range of %d days exceeds %d", ErrInvalidQuery, days, s.cfg.MaxRangeDays)
	}
	return from, to, nil
}

// loadSnapshots performs one read per entity type for the whole provider set.
func (s *Service) loadSnapshots(ctx context.Context, providers []model.Provider, from, to tz.Date) ([]ProviderSnapshot, error) {
	ids := make([]string, len(providers))
	index := make(map[string]int, len(providers))
	snaps := make([]ProviderSnapshot, len(providers))
	for i, p := range providers {
		ids[i] = p.ID
		index[p.ID] = i
		snaps[i] = ProviderSnapshot{
			Provider:  p,
			Weekly:    map[time.Weekday][]model.WeeklyAvailability{},
			Overrides: map[tz.Date]model.ScheduleOverride{},
		}
	}

	weekly, err := s.store.ListWeeklyAvailability(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list weekly availability: %w", err)
	}
	for _, w := range weekly {
		i, ok := index[w.ProviderID]
		if !ok {
			continue
		}
		day := time.Weekday(w.DayOfWeek)
		snaps[i].Weekly[day] = append(snaps[i].Weekly[day], w)
	}

	overrides, err := s.store.ListOverrides(ctx, ids, from, to)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	for _, o := range overrides {
		if i, ok := index[o.ProviderID]; ok {
			snaps[i].Overrides[o.Date] = o
		}
	}

	rangeStart := tz.LocalToInstant(from, tz.Clock{}, time.UTC).Add(-s.cfg.EdgePadding)
	rangeEnd := tz.LocalToInstant(to, tz.Clock{Hour: 24}, time.UTC).Add(s.cfg.EdgePadding)
	blocked, err := s.store.ListBlockedRanges(ctx, ids, rangeStart, rangeEnd)
	if err != nil {
		return nil, fmt.Errorf("list blocked ranges: %w", err)
	}
	for _, b := range blocked {
		if i, ok := index[b.ProviderID]; ok {
			snaps[i].Busy = append(snaps[i].Busy, b.Range)
		}
	}
	return snaps, nil
}

// resolveAll runs the resolver per provider in parallel. A provider whose schedule cannot
// be resolved (for example an unknown timezone) is logged and contributes no slots.
func (s *Service) resolveAll(ctx context.Context, snaps []ProviderSnapshot, req ResolveRequest) ([][]string, error) {
	out := make([][]string, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range snaps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := Resolve(snaps[i], req)
			if err != nil {
				s.logger.Warn("provider skipped", "provider_id", snaps[i].Provider.ID, "err", err)
				return nil
			}
			for _, sk := range res.Skipped {
				s.logger.Warn("date skipped", "provider_id", snaps[i].Provider.ID, "date", sk.Date.String(), "reason", sk.Reason)
			}
			out[i] = res.Times
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) callUs(format string) string {
	if strings.TrimSpace(s.cfg.FallbackPhone) == "" {
		return ""
	}
	return fmt.Sprintf(format, s.cfg.FallbackPhone)
}

// PreferFirst moves the preferred provider's entry to the front, keeping the relative order
// of everything else.
func PreferFirst(slots []ProviderSlots, preferredID string) {
	if preferredID == "" {
		return
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].ProviderID == preferredID && slots[j].ProviderID != preferredID
	})
}
