package tz

import (
	"errors"
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadZone(name)
	if err != nil {
		t.Fatalf("load zone %s: %v", name, err)
	}
	return loc
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{in: "08:00", want: Clock{Hour: 8}},
		{in: "17:30:15", want: Clock{Hour: 17, Minute: 30, Second: 15}},
		{in: "00:00:00", want: Clock{}},
		{in: "24:00", want: Clock{Hour: 24}},
		{in: "24:00:00", want: Clock{Hour: 24}},
		{in: "24:30", wantErr: true},
		{in: "25:00", wantErr: true},
		{in: "9:00", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidClock) {
				t.Fatalf("ParseClock(%q): expected ErrInvalidClock, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseClock(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseClock(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	d, err := ParseDate("2026-02-27")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := d.AddDays(2).String(); got != "2026-03-01" {
		t.Fatalf("expected 2026-03-01, got %s", got)
	}
	if got := d.Weekday(); got != time.Friday {
		t.Fatalf("expected Friday, got %s", got)
	}
	if n := d.DaysUntil(d.AddDays(7)); n != 7 {
		t.Fatalf("expected 7 days, got %d", n)
	}
	if !d.Before(d.AddDays(1)) || d.After(d) {
		t.Fatalf("unexpected ordering")
	}
	if _, err := ParseDate("2026-13-01"); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
}

func TestLocalToInstant_OffsetFollowsDST(t *testing.T) {
	la := mustZone(t, "America/Los_Angeles")

	winter := LocalToInstant(Date{2026, time.March, 7}, MustClock("08:00"), la)
	summer := LocalToInstant(Date{2026, time.March, 9}, MustClock("08:00"), la)

	if got := winter.UTC().Hour(); got != 16 {
		t.Fatalf("expected 08:00 PST = 16:00 UTC, got %d", got)
	}
	if got := summer.UTC().Hour(); got != 15 {
		t.Fatalf("expected 08:00 PDT = 15:00 UTC, got %d", got)
	}
}

func TestLocalToInstant_EndOfDaySentinel(t *testing.T) {
	la := mustZone(t, "America/Los_Angeles")
	d := Date{2026, time.March, 31}

	got := LocalToInstant(d, Clock{Hour: 24}, la)
	want := time.Date(2026, time.April, 1, 0, 0, 0, 0, la)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestInstantToLocalISO(t *testing.T) {
	la := mustZone(t, "America/Los_Angeles")
	instant := time.Date(2026, time.July, 6, 17, 0, 0, 0, time.UTC)
	if got := InstantToLocalISO(instant, la); got != "2026-07-06T10:00:00-07:00" {
		t.Fatalf("unexpected local iso: %s", got)
	}
	instant = time.Date(2026, time.January, 5, 18, 0, 0, 0, time.UTC)
	if got := InstantToLocalISO(instant, la); got != "2026-01-05T10:00:00-08:00" {
		t.Fatalf("unexpected local iso: %s", got)
	}
}

func TestDayWindow_DSTTransitionDiffersByOneHour(t *testing.T) {
	la := mustZone(t, "America/Los_Angeles")
	// Spring forward in 2026 is Sunday 8 March; fall back is Sunday 1 November.
	regular := Date{2026, time.March, 1}
	spring := Date{2026, time.March, 8}
	fall := Date{2026, time.November, 1}
	dayStart, dayEnd := MustClock("00:00"), MustClock("00:00")

	window := func(d Date, start, end Clock) time.Duration {
		from, to, ok := DayWindow(d, start, end, la)
		if !ok {
			t.Fatalf("expected window on %s", d)
		}
		return to.Sub(from)
	}

	base := window(regular, dayStart, dayEnd)
	if base != 24*time.Hour {
		t.Fatalf("expected 24h on a regular day, got %s", base)
	}
	if got := window(spring, dayStart, dayEnd); base-got != time.Hour {
		t.Fatalf("expected spring-forward day to be one hour shorter, got %s", got)
	}
	if got := window(fall, dayStart, dayEnd); got-base != time.Hour {
		t.Fatalf("expected fall-back day to be one hour longer, got %s", got)
	}

	// A window that does not span the 02:00 change keeps its wall-clock length.
	if got := window(spring, MustClock("08:00"), MustClock("18:00")); got != 10*time.Hour {
		t.Fatalf("expected 10h window, got %s", got)
	}
	if got := window(spring, MustClock("01:00"), MustClock("04:00")); got != 2*time.Hour {
		t.Fatalf("expected 01:00-04:00 to last 2h on spring-forward day, got %s", got)
	}
}

func TestDayWindow_Rejects(t *testing.T) {
	d := Date{2026, time.May, 4}
	if _, _, ok := DayWindow(d, MustClock("18:00"), MustClock("08:00"), time.UTC); ok {
		t.Fatalf("expected inverted window to be rejected")
	}
	if _, _, ok := DayWindow(d, MustClock("09:00"), MustClock("09:00"), time.UTC); ok {
		t.Fatalf("expected empty window to be rejected")
	}
	if _, _, ok := DayWindow(d, MustClock("24:00"), MustClock("00:00"), time.UTC); ok {
		t.Fatalf("expected window starting at end of day to be rejected")
	}
	from, to, ok := DayWindow(d, MustClock("22:00"), MustClock("00:00:00"), time.UTC)
	if !ok || to.Sub(from) != 2*time.Hour {
		t.Fatalf("expected open-ended window of 2h, got ok=%v %s", ok, to.Sub(from))
	}
}

func TestLoadZone(t *testing.T) {
	if _, err := LoadZone("Mars/Olympus_Mons"); !errors.Is(err, ErrUnknownZone) {
		t.Fatalf("expected ErrUnknownZone, got %v", err)
	}
	if _, err := LoadZone(""); !errors.Is(err, ErrUnknownZone) {
		t.Fatalf("expected ErrUnknownZone for empty name, got %v", err)
	}
}
