package model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Service is a catalog entry. Its appointment length derives from standard labor hours.
type Service struct {
	ID         string
	Name       string
	LaborHours float64
	IsActive   bool
}

// DurationMinutes is labor hours × 60 rounded up. The epsilon keeps values such as
// 1.1h (66.00000000000001 in float64) from rounding up a whole extra minute.
func (s Service) DurationMinutes() int {
	if s.LaborHours <= 0 {
		return 0
	}
	return int(math.Ceil(s.LaborHours*60 - 1e-9))
}

// Provider is a field technician.
type Provider struct {
	ID       string
	Name     string
	IsActive bool
	Timezone string
}

// WeeklyAvailability is a recurring local working window. An End of 00:00:00 means the
// window runs to midnight at the start of the following day.
type WeeklyAvailability struct {
	ProviderID string
	DayOfWeek  int
	StartTime  tz.Clock
	EndTime    tz.Clock
}

func (w WeeklyAvailability) Validate() error {
	if strings.TrimSpace(w.ProviderID) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidSchedule)
	}
	if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
		return fmt.Errorf("%w: day_of_week %d out of range", ErrInvalidSchedule, w.DayOfWeek)
	}
	return validateWindow(w.StartTime, w.EndTime)
}

// ScheduleOverride replaces the weekly rule on one date. IsAvailable=false takes the
// provider off for the day; otherwise StartTime/EndTime define the replacement window.
type ScheduleOverride struct {
	ProviderID  string
	Date        tz.Date
	IsAvailable bool
	StartTime   *tz.Clock
	EndTime     *tz.Clock
	Reason      string
}

// HasHours reports whether the override carries its own window.
func (o ScheduleOverride) HasHours() bool {
	return o.StartTime != nil && o.EndTime != nil
}

func (o ScheduleOverride) Validate() error {
	if strings.TrimSpace(o.ProviderID) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidSchedule)
	}
	if o.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidSchedule)
	}
	if (o.StartTime == nil) != (o.EndTime == nil) {
		return fmt.Errorf("%w: start_time and end_time must be set together", ErrInvalidSchedule)
	}
	if !o.IsAvailable || !o.HasHours() {
		return nil
	}
	return validateWindow(*o.StartTime, *o.EndTime)
}

func validateWindow(start, end tz.Clock) error {
	if start.IsEndOfDay() {
		return fmt.Errorf("%w: start_time cannot be 24:00", ErrInvalidSchedule)
	}
	if end.IsMidnight() || end.IsEndOfDay() {
		return nil
	}
	if start.SecondsOfDay() >= end.SecondsOfDay() {
		return fmt.Errorf("%w: start_time %s must be before end_time %s", ErrInvalidSchedule, start, end)
	}
	return nil
}
