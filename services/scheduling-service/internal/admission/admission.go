package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/intervals"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/metrics"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/outbox"
)

var (
	ErrInvalidBooking    = errors.New("invalid booking")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("booking not found")
	ErrConflict          = errors.New("booking conflict")
	// ErrBookingChanged means the booking was reassigned while an update was being
	// prepared. The caller may retry.
	ErrBookingChanged = errors.New("booking changed concurrently")

	// ErrOverlap is returned by a Tx (or its commit) when the storage-level guard rejects a
	// write whose blocked range overlaps another active booking of the same provider.
	ErrOverlap = errors.New("blocked range overlaps an active booking")
	// ErrDuplicateIdempotencyKey is returned by a Tx when the key is already taken.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// ConflictError reports an admission rejected because of an overlapping active booking.
type ConflictError struct {
	ProviderID string
	Requested  intervals.Interval
	Colliding  intervals.Interval
	BookingID  string
}

func (e *ConflictError) Error() string {
	if e.Colliding.Empty() {
		return fmt.Sprintf("provider %s is not available from %s to %s", e.ProviderID,
			e.Requested.Start.UTC().Format(time.RFC3339), e.Requested.End.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("provider %s is already booked from %s to %s", e.ProviderID,
		e.Colliding.Start.UTC().Format(time.RFC3339), e.Colliding.End.UTC().Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Tx is the provider-scoped unit of work. Every read and write goes through the same
// underlying transaction.
type Tx interface {
	ListActiveOverlapping(ctx context.Context, providerID string, r intervals.Interval, excludeID string) ([]model.Booking, error)
	FindByIdempotencyKey(ctx context.Context, key string) (model.Booking, bool, error)
	// GetForUpdate returns ErrNotFound for unknown ids.
	GetForUpdate(ctx context.Context, id string) (model.Booking, error)
	Insert(ctx context.Context, b model.Booking) error
	Update(ctx context.Context, b model.Booking) error
	RecordEvent(ctx context.Context, evt outbox.Event) error
}

type Store interface {
	// InProviderTx runs fn atomically while holding the provider's admission lock. fn's
	// error aborts the transaction. An empty providerID takes no provider lock.
	InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx Tx) error) error
	GetBooking(ctx context.Context, id string) (model.Booking, error)
	FindBookingByIdempotencyKey(ctx context.Context, key string) (model.Booking, bool, error)
	// ListBookings returns bookings of any status whose blocked range intersects [from, to).
	ListBookings(ctx context.Context, providerID string, from, to time.Time) ([]model.Booking, error)
}

// WriteListener is told about every committed booking write.
type WriteListener interface {
	BookingWritten(ctx context.Context, b model.Booking)
}

type Config struct {
	// TxTimeout bounds each admission transaction. Default 5s.
	TxTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Controller struct {
	store     Store
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	listeners []WriteListener
}

func NewController(store Store, cfg Config, logger *slog.Logger, listeners ...WriteListener) *Controller {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("fieldops/admission"),
		listeners: listeners,
	}
}

type CreateRequest struct {
	ProviderID          string
	ServiceID           string
	CustomerName        string
	CustomerPhone       string
	Notes               string
	ScheduledStart      time.Time
	DurationMinutes     int
	BufferBeforeMinutes int
	BufferAfterMinutes  int
	// Status must be pending or confirmed; empty means pending.
	Status         model.Status
	IdempotencyKey string
}

// UpdateRequest changes only the non-nil fields.
type UpdateRequest struct {
	ProviderID          *string
	ScheduledStart      *time.Time
	DurationMinutes     *int
	BufferBeforeMinutes *int
	BufferAfterMinutes  *int
	CustomerName        *string
	CustomerPhone       *string
	Notes               *string
}

// Create admits a new booking. The overlap check and the insert run in one
// provider-scoped transaction; an overlap yields *ConflictError and the requested time is
// never shifted. A repeated idempotency key returns the booking first created under it.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (model.Booking, error) {
	b, err := c.newBooking(req)
	if err != nil {
		metrics.IncAdmission("create", metrics.AdmissionInvalid)
		return model.Booking{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "admission.create", trace.WithAttributes(
		attribute.String("provider.id", b.ProviderID),
		attribute.String("booking.start", b.ScheduledStart.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	var replayed bool
	err = c.store.InProviderTx(ctx, b.ProviderID, func(ctx context.Context, tx Tx) error {
		if b.IdempotencyKey != "" {
			existing, ok, err := tx.FindByIdempotencyKey(ctx, b.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				b, replayed = existing, true
				return nil
			}
		}
		if err := c.checkOverlap(ctx, tx, b, ""); err != nil {
			return err
		}
		if err := tx.Insert(ctx, b); err != nil {
			return err
		}
		return c.recordEvent(ctx, tx, outbox.EventBookingCreated, b, "")
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, ok, lookupErr := c.store.FindBookingByIdempotencyKey(ctx, b.IdempotencyKey)
		if lookupErr == nil && ok {
			b, replayed, err = existing, true, nil
		}
	}
	if err != nil {
		err = c.mapOverlap(ctx, err, b, "")
		span.RecordError(err)
		c.countFailure("create", err)
		return model.Booking{}, err
	}

	if replayed {
		c.logger.Info("booking replayed", "booking_id", b.ID, "idempotency_key", b.IdempotencyKey)
		return b, nil
	}
	metrics.IncAdmission("create", metrics.AdmissionAccepted)
	c.logger.Info("booking admitted", "booking_id", b.ID, "provider_id", b.ProviderID, "start", b.ScheduledStart.UTC().Format(time.RFC3339))
	c.notify(ctx, b)
	return b, nil
}

// Update applies req to booking id. When provider or timing changes on an active booking,
// the overlap check re-runs against the provider's other active bookings in the same
// transaction as the write.
func (c *Controller) Update(ctx context.Context, id string, req UpdateRequest) (model.Booking, error) {
	if err := validateUpdate(req); err != nil {
		metrics.IncAdmission("update", metrics.AdmissionInvalid)
		return model.Booking{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "admission.update", trace.WithAttributes(attribute.String("booking.id", id)))
	defer span.End()

	current, err := c.store.GetBooking(ctx, id)
	if err != nil {
		c.countFailure("update", err)
		return model.Booking{}, err
	}
	target := current.ProviderID
	if req.ProviderID != nil {
		target = strings.TrimSpace(*req.ProviderID)
	}

	var updated model.Booking
	err = c.store.InProviderTx(ctx, target, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.ProviderID == nil && b.ProviderID != target {
			return ErrBookingChanged
		}
		if b.Status.Terminal() {
			return fmt.Errorf("%w: booking is %s", ErrInvalidBooking, b.Status)
		}

		moved := applyUpdate(&b, req, target)
		b.UpdatedAt = c.cfg.Now().UTC()
		if moved {
			if err := c.checkOverlap(ctx, tx, b, b.ID); err != nil {
				return err
			}
		}
		if err := tx.Update(ctx, b); err != nil {
			return err
		}
		updated = b
		return c.recordEvent(ctx, tx, outbox.EventBookingUpdated, b, "")
	})
	if err != nil {
		if updated.ID == "" {
			updated = current
			applyUpdate(&updated, req, target)
		}
		err = c.mapOverlap(ctx, err, updated, id)
		span.RecordError(err)
		c.countFailure("update", err)
		return model.Booking{}, err
	}

	metrics.IncAdmission("update", metrics.AdmissionAccepted)
	c.logger.Info("booking updated", "booking_id", updated.ID, "provider_id", updated.ProviderID, "start", updated.ScheduledStart.UTC().Format(time.RFC3339))
	c.notify(ctx, updated)
	return updated, nil
}

// Transition moves booking id to status to along the booking state machine.
func (c *Controller) Transition(ctx context.Context, id string, to model.Status) (model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "admission.transition", trace.WithAttributes(
		attribute.String("booking.id", id),
		attribute.String("booking.status", string(to)),
	))
	defer span.End()

	var updated model.Booking
	err := c.store.InProviderTx(ctx, "", func(ctx context.Context, tx Tx) error {
		b, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := b.Status
		if !from.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		b.Status = to
		b.UpdatedAt = c.cfg.Now().UTC()
		if err := tx.Update(ctx, b); err != nil {
			return err
		}
		updated = b
		return c.recordEvent(ctx, tx, outbox.EventBookingStatusChanged, b, from)
	})
	if err != nil {
		span.RecordError(err)
		c.countFailure("transition", err)
		return model.Booking{}, err
	}

	metrics.IncAdmission("transition", metrics.AdmissionAccepted)
	c.logger.Info("booking status changed", "booking_id", updated.ID, "status", string(updated.Status))
	c.notify(ctx, updated)
	return updated, nil
}

func (c *Controller) Get(ctx context.Context, id string) (model.Booking, error) {
	return c.store.GetBooking(ctx, id)
}

// List returns a provider's bookings whose blocked range intersects [from, to).
func (c *Controller) List(ctx context.Context, providerID string, from, to time.Time) ([]model.Booking, error) {
	if strings.TrimSpace(providerID) == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidBooking)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: empty time range", ErrInvalidBooking)
	}
	return c.store.ListBookings(ctx, providerID, from, to)
}

func (c *Controller) newBooking(req CreateRequest) (model.Booking, error) {
	if req.ScheduledStart.IsZero() {
		return model.Booking{}, fmt.Errorf("%w: scheduled start is required", ErrInvalidBooking)
	}
	if req.DurationMinutes <= 0 {
		return model.Booking{}, fmt.Errorf("%w: duration must be positive", ErrInvalidBooking)
	}
	if req.BufferBeforeMinutes < 0 || req.BufferAfterMinutes < 0 {
		return model.Booking{}, fmt.Errorf("%w: buffers cannot be negative", ErrInvalidBooking)
	}
	status := req.Status
	if status == "" {
		status = model.StatusPending
	}
	if status != model.StatusPending && status != model.StatusConfirmed {
		return model.Booking{}, fmt.Errorf("%w: new bookings must be pending or confirmed, got %q", ErrInvalidBooking, status)
	}

	b := model.NewBooking(strings.TrimSpace(req.ProviderID), req.ScheduledStart.UTC(), req.DurationMinutes, req.BufferBeforeMinutes, req.BufferAfterMinutes)
	now := c.cfg.Now().UTC()
	b.ID = uuid.NewString()
	b.ServiceID = strings.TrimSpace(req.ServiceID)
	b.CustomerName = strings.TrimSpace(req.CustomerName)
	b.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	b.Notes = req.Notes
	b.Status = status
	b.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	b.CreatedAt = now
	b.UpdatedAt = now
	return b, nil
}

func validateUpdate(req UpdateRequest) error {
	if req.ScheduledStart != nil && req.ScheduledStart.IsZero() {
		return fmt.Errorf("%w: scheduled start cannot be cleared", ErrInvalidBooking)
	}
	if req.DurationMinutes != nil && *req.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidBooking)
	}
	if (req.BufferBeforeMinutes != nil && *req.BufferBeforeMinutes < 0) || (req.BufferAfterMinutes != nil && *req.BufferAfterMinutes < 0) {
		return fmt.Errorf("%w: buffers cannot be negative", ErrInvalidBooking)
	}
	return nil
}

// applyUpdate mutates b and reports whether its provider or blocked range changed.
func applyUpdate(b *model.Booking, req UpdateRequest, provider string) bool {
	before := b.BlockedRange()
	beforeProvider := b.ProviderID

	start, dur, bb, ba := b.ScheduledStart, b.DurationMinutes, b.BufferBeforeMinutes, b.BufferAfterMinutes
	if req.ScheduledStart != nil {
		start = req.ScheduledStart.UTC()
	}
	if req.DurationMinutes != nil {
		dur = *req.DurationMinutes
	}
	if req.BufferBeforeMinutes != nil {
		bb = *req.BufferBeforeMinutes
	}
	if req.BufferAfterMinutes != nil {
		ba = *req.BufferAfterMinutes
	}
	b.Reschedule(start, dur, bb, ba)
	b.ProviderID = provider
	if req.CustomerName != nil {
		b.CustomerName = strings.TrimSpace(*req.CustomerName)
	}
	if req.CustomerPhone != nil {
		b.CustomerPhone = strings.TrimSpace(*req.CustomerPhone)
	}
	if req.Notes != nil {
		b.Notes = *req.Notes
	}

	after := b.BlockedRange()
	return beforeProvider != b.ProviderID || !before.Start.Equal(after.Start) || !before.End.Equal(after.End)
}

// checkOverlap is the fast application-level rejection. The store's own guard still
// backs it up.
func (c *Controller) checkOverlap(ctx context.Context, tx Tx, b model.Booking, excludeID string) error {
	if !b.Active() {
		return nil
	}
	hits, err := tx.ListActiveOverlapping(ctx, b.ProviderID, b.BlockedRange(), excludeID)
	if err != nil {
		return err
	}
	for _, h := range hits {
		if h.ID == excludeID || !h.Active() || !h.BlockedRange().Overlaps(b.BlockedRange()) {
			continue
		}
		return &ConflictError{
			ProviderID: b.ProviderID,
			Requested:  b.BlockedRange(),
			Colliding:  h.BlockedRange(),
			BookingID:  h.ID,
		}
	}
	return nil
}

// mapOverlap turns a storage-level overlap rejection into a ConflictError. The colliding
// booking is looked up outside the failed transaction, best effort.
func (c *Controller) mapOverlap(ctx context.Context, err error, b model.Booking, excludeID string) error {
	if !errors.Is(err, ErrOverlap) {
		return err
	}
	c.logger.Warn("storage rejected overlapping booking", "provider_id", b.ProviderID, "err", err)
	ce := &ConflictError{ProviderID: b.ProviderID, Requested: b.BlockedRange()}
	r := b.BlockedRange()
	others, lookupErr := c.store.ListBookings(ctx, b.ProviderID, r.Start, r.End)
	if lookupErr != nil {
		return ce
	}
	for _, o := range others {
		if o.ID != excludeID && o.Active() && o.BlockedRange().Overlaps(r) {
			ce.Colliding = o.BlockedRange()
			ce.BookingID = o.ID
			break
		}
	}
	return ce
}

func (c *Controller) recordEvent(ctx context.Context, tx Tx, eventType string, b model.Booking, previous model.Status) error {
	evt, err := outbox.NewBookingEvent(eventType, b, previous, c.cfg.Now())
	if err != nil {
		return err
	}
	return tx.RecordEvent(ctx, evt)
}

func (c *Controller) countFailure(op string, err error) {
	var ce *ConflictError
	switch {
	case errors.As(err, &ce):
		metrics.IncAdmission(op, metrics.AdmissionConflict)
		c.logger.Info("booking rejected", "op", op, "provider_id", ce.ProviderID, "colliding_booking_id", ce.BookingID)
	case errors.Is(err, ErrInvalidBooking), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		metrics.IncAdmission(op, metrics.AdmissionInvalid)
	default:
		metrics.IncAdmission(op, metrics.AdmissionError)
		c.logger.Error("booking write failed", "op", op, "err", err)
	}
}

func (c *Controller) notify(ctx context.Context, b model.Booking) {
	for _, l := range c.listeners {
		l.BookingWritten(ctx, b)
	}
}
