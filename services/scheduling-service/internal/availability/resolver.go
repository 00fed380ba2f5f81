package availability

import (
	"fmt"
	"time"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/intervals"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

// ProviderSnapshot is the read-only, pre-loaded state the resolver works from. Nothing in
// it is shared with other providers' computations.
type ProviderSnapshot struct {
	Provider  model.Provider
	Weekly    map[time.Weekday][]model.WeeklyAvailability
	Overrides map[tz.Date]model.ScheduleOverride
	Busy      []intervals.Interval
}

// OpenOverridePolicy decides what an is_available=true override without hours means.
type OpenOverridePolicy int

const (
	// OpenOverrideUseWeekly falls back to the weekly rule for that weekday, if any.
	OpenOverrideUseWeekly OpenOverridePolicy = iota
	// OpenOverrideSkipDay treats the date as having no computable window.
	OpenOverrideSkipDay
)

type ResolveRequest struct {
	From             tz.Date
	To               tz.Date // inclusive
	DurationMinutes  int
	IncrementMinutes int
	// NotBefore drops slots that start earlier; zero keeps everything.
	NotBefore  time.Time
	OpenPolicy OpenOverridePolicy
}

// SkippedDay records a date omitted because of inconsistent schedule data.
type SkippedDay struct {
	Date   tz.Date
	Reason string
}

type Resolution struct {
	Slots   []time.Time
	Times   []string
	Skipped []SkippedDay
}

// Resolve computes one provider's bookable start times across the date range.
// Dates come out ascending and times ascending within a date.
func Resolve(snap ProviderSnapshot, req ResolveRequest) (Resolution, error) {
	loc, err := tz.LoadZone(snap.Provider.Timezone)
	if err != nil {
		return Resolution{}, fmt.Errorf("provider %s: %w", snap.Provider.ID, err)
	}
	if req.DurationMinutes <= 0 {
		return Resolution{}, fmt.Errorf("%w: duration must be positive", ErrInvalidQuery)
	}
	if req.IncrementMinutes <= 0 {
		req.IncrementMinutes = intervals.DefaultIncrementMinutes
	}

	var res Resolution
	for d := req.From; !d.After(req.To); d = d.AddDays(1) {
		windows, skip := dayWindows(snap, d, loc, req.OpenPolicy)
		if skip != "" {
			res.Skipped = append(res.Skipped, SkippedDay{Date: d, Reason: skip})
		}
		if len(windows) == 0 {
			continue
		}

		free := intervals.Subtract(intervals.Merge(windows), snap.Busy)
		for _, s := range intervals.DiscretizeIn(free, req.DurationMinutes, req.IncrementMinutes, loc) {
			if !req.NotBefore.IsZero() && s.Before(req.NotBefore) {
				continue
			}
			res.Slots = append(res.Slots, s)
			res.Times = append(res.Times, tz.InstantToLocalISO(s, loc))
		}
	}
	return res, nil
}

// dayWindows returns the working windows for d. A non-empty reason means the date was
// dropped because of unusable data rather than a deliberate day off.
func dayWindows(snap ProviderSnapshot, d tz.Date, loc *time.Location, policy OpenOverridePolicy) ([]intervals.Interval, string) {
	if o, ok := snap.Overrides[d]; ok {
		if !o.IsAvailable {
			return nil, ""
		}
		if o.HasHours() {
			from, to, ok := tz.DayWindow(d, *o.StartTime, *o.EndTime, loc)
			if !ok {
				return nil, fmt.Sprintf("override window %s-%s is empty", o.StartTime, o.EndTime)
			}
			return []intervals.Interval{{Start: from, End: to}}, ""
		}
		if o.StartTime != nil || o.EndTime != nil {
			return nil, "override has only one of start_time/end_time"
		}
		if policy == OpenOverrideSkipDay {
			return nil, "override is available without hours"
		}
	}

	rules := snap.Weekly[d.Weekday()]
	if len(rules) == 0 {
		return nil, ""
	}
	windows := make([]intervals.Interval, 0, len(rules))
	var reason string
	for _, r := range rules {
		from, to, ok := tz.DayWindow(d, r.StartTime, r.EndTime, loc)
		if !ok {
			reason = fmt.Sprintf("weekly window %s-%s is empty", r.StartTime, r.EndTime)
			continue
		}
		windows = append(windows, intervals.Interval{Start: from, End: to})
	}
	return windows, reason
}
