package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	otelx "github.com/md-rashed-zaman/fieldops/libs/otel"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
)

// Booking event types. The Kafka topic name equals the event type.
const (
	EventBookingCreated       = "scheduling.booking.created.v1"
	EventBookingUpdated       = "scheduling.booking.updated.v1"
	EventBookingStatusChanged = "scheduling.booking.status_changed.v1"
)

const AggregateBooking = "booking"

// Event is the domain event envelope written to the outbox in the same transaction as
// the booking change it describes.
type Event struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

type BookingPayload struct {
	BookingID       string    `json:"booking_id"`
	ProviderID      string    `json:"provider_id,omitempty"`
	ServiceID       string    `json:"service_id,omitempty"`
	ScheduledStart  time.Time `json:"scheduled_start"`
	AppointmentEnd  time.Time `json:"appointment_end"`
	BlockedStart    time.Time `json:"blocked_start"`
	BlockedEnd      time.Time `json:"blocked_end"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	PreviousStatus  string    `json:"previous_status,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// NewBookingEvent snapshots b into an event of the given type. previous is the status
// before a transition and may be empty.
func NewBookingEvent(eventType string, b model.Booking, previous model.Status, now time.Time) (Event, error) {
	blocked := b.BlockedRange()
	payload, err := json.Marshal(BookingPayload{
		BookingID:       b.ID,
		ProviderID:      b.ProviderID,
		ServiceID:       b.ServiceID,
		ScheduledStart:  b.ScheduledStart.UTC(),
		AppointmentEnd:  b.AppointmentEnd().UTC(),
		BlockedStart:    blocked.Start.UTC(),
		BlockedEnd:      blocked.End.UTC(),
		DurationMinutes: b.DurationMinutes,
		Status:          string(b.Status),
		PreviousStatus:  string(previous),
		OccurredAt:      now.UTC(),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:       uuid.NewString(),
		AggregateType: AggregateBooking,
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

// Record is an outbox row as read back by the publisher.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Trace         otelx.TraceContext
	CreatedAt     time.Time
}
