package model

import (
	"time"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/intervals"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return st, true
	case "requested":
		return StatusPending, true
	}
	return "", false
}

// Blocks reports whether a booking in this status holds its blocked range.
func (s Status) Blocks() bool {
	return s != StatusCancelled && s != StatusNoShow
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// CanTransition encodes {pending|confirmed} -> in_progress -> completed, with cancelled
// and no_show reachable from every non-terminal state.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() || s == to {
		return false
	}
	switch to {
	case StatusCancelled, StatusNoShow:
		return true
	case StatusConfirmed:
		return s == StatusPending
	case StatusInProgress:
		return s == StatusPending || s == StatusConfirmed
	case StatusCompleted:
		return s == StatusInProgress
	}
	return false
}

// Booking is an appointment. AppointmentEnd and the blocked range are derived from the
// start, duration and buffers; use Reschedule to change them so they stay consistent.
type Booking struct {
	ID                  string
	ProviderID          string
	ServiceID           string
	CustomerName        string
	CustomerPhone       string
	Notes               string
	ScheduledStart      time.Time
	DurationMinutes     int
	BufferBeforeMinutes int
	BufferAfterMinutes  int
	Status              Status
	IdempotencyKey      string
	CreatedAt           time.Time
	UpdatedAt           time.Time

	appointmentEnd time.Time
	blocked        intervals.Interval
}

// NewBooking builds a booking with its derived fields computed.
func NewBooking(providerID string, start time.Time, durationMinutes, bufferBefore, bufferAfter int) Booking {
	b := Booking{ProviderID: providerID}
	b.Reschedule(start, durationMinutes, bufferBefore, bufferAfter)
	return b
}

// Reschedule sets the timing fields and recomputes the derived end and blocked range.
func (b *Booking) Reschedule(start time.Time, durationMinutes, bufferBefore, bufferAfter int) {
	b.ScheduledStart = start
	b.DurationMinutes = durationMinutes
	b.BufferBeforeMinutes = bufferBefore
	b.BufferAfterMinutes = bufferAfter
	b.appointmentEnd = start.Add(time.Duration(durationMinutes) * time.Minute)
	b.blocked = intervals.Interval{
		Start: start.Add(-time.Duration(bufferBefore) * time.Minute),
		End:   b.appointmentEnd.Add(time.Duration(bufferAfter) * time.Minute),
	}
}

func (b Booking) AppointmentEnd() time.Time {
	return b.appointmentEnd
}

// BlockedRange is [start - buffer_before, end + buffer_after).
func (b Booking) BlockedRange() intervals.Interval {
	return b.blocked
}

// Active reports whether the booking participates in the no-overlap invariant.
func (b Booking) Active() bool {
	return b.ProviderID != "" && b.Status.Blocks()
}

// BlockedRange is the storage read shape used by the availability query: a provider's
// active booking reduced to the instants it occupies.
type BlockedRange struct {
	BookingID  string
	ProviderID string
	Range      intervals.Interval
}
