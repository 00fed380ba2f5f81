// Package tz converts provider-local wall-clock schedules into absolute instants.
//
// Dates and clock times here are civil values with no zone attached; they only become
// instants once paired with a *time.Location.
package tz

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout     = "2006-01-02"
	LocalISOLayout = "2006-01-02T15:04:05-07:00"
)

var (
	ErrInvalidDate  = errors.New("invalid date")
	ErrInvalidClock = errors.New("invalid clock time")
	ErrUnknownZone  = errors.New("unknown timezone")
)

// Date is a calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.midnightUTC().AddDate(0, 0, n))
}

func (d Date) Weekday() time.Weekday {
	return d.midnightUTC().Weekday()
}

// Compare returns -1, 0 or +1.
func (d Date) Compare(o Date) int {
	return d.midnightUTC().Compare(o.midnightUTC())
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

// DaysUntil counts whole days from d to o (negative when o is earlier).
func (d Date) DaysUntil(o Date) int {
	return int(o.midnightUTC().Sub(d.midnightUTC()).Hours() / 24)
}

func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Clock is a local time of day. Hour 24 with zero minutes and seconds is the end-of-day
// sentinel and denotes midnight at the start of the following date.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock accepts "HH:MM" and "HH:MM:SS", including "24:00" and "24:00:00".
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	var c Clock
	var n int
	var err error
	switch len(s) {
	case 5:
		n, err = fmt.Sscanf(s, "%2d:%2d", &c.Hour, &c.Minute)
		if n != 2 {
			err = ErrInvalidClock
		}
	case 8:
		n, err = fmt.Sscanf(s, "%2d:%2d:%2d", &c.Hour, &c.Minute, &c.Second)
		if n != 3 {
			err = ErrInvalidClock
		}
	default:
		err = ErrInvalidClock
	}
	if err != nil || !c.valid() {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return c, nil
}

func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) valid() bool {
	if c.Hour == 24 {
		return c.Minute == 0 && c.Second == 0
	}
	return c.Hour >= 0 && c.Hour < 24 &&
		c.Minute >= 0 && c.Minute < 60 &&
		c.Second >= 0 && c.Second < 60
}

// IsMidnight reports 00:00:00.
func (c Clock) IsMidnight() bool {
	return c.Hour == 0 && c.Minute == 0 && c.Second == 0
}

func (c Clock) IsEndOfDay() bool {
	return c.Hour == 24
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// SecondsOfDay is 86400 for the end-of-day sentinel.
func (c Clock) SecondsOfDay() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownZone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownZone, name)
	}
	return loc, nil
}

// LocalToInstant resolves a wall-clock date and time in loc to an absolute instant.
// The UTC offset is the one in force on that date, so the same clock maps to different
// offsets on either side of a DST change. Wall times skipped by a spring-forward gap
// resolve the way time.Date normalizes them.
func LocalToInstant(d Date, c Clock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if c.IsEndOfDay() {
		next := d.AddDays(1)
		return time.Date(next.Year, next.Month, next.Day, 0, 0, 0, 0, loc)
	}
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

// InstantToLocalISO formats t as local wall-clock time annotated with the UTC offset at t.
func InstantToLocalISO(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(LocalISOLayout)
}

// DayWindow resolves a local [start, end) window on date d. An end of 00:00:00 (or 24:00)
// means midnight at the start of the next date. ok is false when the window is empty
// or inverted.
func DayWindow(d Date, start, end Clock, loc *time.Location) (from, to time.Time, ok bool) {
	if start.IsEndOfDay() {
		return time.Time{}, time.Time{}, false
	}
	if end.IsMidnight() {
		end = Clock{Hour: 24}
	}
	from = LocalToInstant(d, start, loc)
	to = LocalToInstant(d, end, loc)
	if !to.After(from) {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}
