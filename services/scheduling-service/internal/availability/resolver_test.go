package availability

import (
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/intervals"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

var (
	monday  = tz.Date{Year: 2026, Month: time.March, Day: 2}
	sunday  = tz.Date{Year: 2026, Month: time.March, Day: 1}
	dstDay  = tz.Date{Year: 2026, Month: time.March, Day: 8}
	laZone  = "America/Los_Angeles"
	clock8  = tz.MustClock("08:00")
	clock18 = tz.MustClock("18:00")
)

func laSnapshot(t *testing.T) ProviderSnapshot {
	t.Helper()
	return ProviderSnapshot{
		Provider: model.Provider{ID: "p1", Name: "Pat", IsActive: true, Timezone: laZone},
		Weekly: map[time.Weekday][]model.WeeklyAvailability{
			time.Monday: {{ProviderID: "p1", DayOfWeek: 1, StartTime: clock8, EndTime: clock18}},
		},
		Overrides: map[tz.Date]model.ScheduleOverride{},
	}
}

func mustLA(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(laZone)
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return loc
}

func TestResolve_LosAngelesMonday(t *testing.T) {
	res, err := Resolve(laSnapshot(t), ResolveRequest{From: monday, To: monday, DurationMinutes: 60, IncrementMinutes: 30})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 08:00 through 17:00 on a 30 minute grid.
	if len(res.Times) != 19 {
		t.Fatalf("expected 19 slots, got %d: %v", len(res.Times), res.Times)
	}
	if res.Times[0] != "2026-03-02T08:00:00-08:00" {
		t.Fatalf("unexpected first slot %s", res.Times[0])
	}
	if res.Times[18] != "2026-03-02T17:00:00-08:00" {
		t.Fatalf("unexpected last slot %s", res.Times[18])
	}
	for i := 1; i < len(res.Slots); i++ {
		if res.Slots[i].Sub(res.Slots[i-1]) != 30*time.Minute {
			t.Fatalf("slots not on a 30 minute grid: %v", res.Times)
		}
	}
}

func TestResolve_BookingRemovesIntersectingStarts(t *testing.T) {
	loc := mustLA(t)
	snap := laSnapshot(t)
	snap.Busy = []intervals.Interval{{
		Start: time.Date(2026, 3, 2, 10, 0, 0, 0, loc),
		End:   time.Date(2026, 3, 2, 11, 0, 0, 0, loc),
	}}

	res, err := Resolve(snap, ResolveRequest{From: monday, To: monday, DurationMinutes: 60, IncrementMinutes: 30})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Times) != 16 {
		t.Fatalf("expected 16 slots, got %d: %v", len(res.Times), res.Times)
	}
	got := map[string]bool{}
	for _, s := range res.Times {
		got[s] = true
	}
	for _, gone := range []string{"2026-03-02T09:30:00-08:00", "2026-03-02T10:00:00-08:00", "2026-03-02T10:30:00-08:00"} {
		if got[gone] {
			t.Fatalf("slot %s should be blocked", gone)
		}
	}
	for _, kept := range []string{"2026-03-02T09:00:00-08:00", "2026-03-02T11:00:00-08:00"} {
		if !got[kept] {
			t.Fatalf("slot %s should remain", kept)
		}
	}
}

func TestResolve_DayOffOverrideWins(t *testing.T) {
	snap := laSnapshot(t)
	snap.Overrides[monday] = model.ScheduleOverride{ProviderID: "p1", Date: monday, IsAvailable: false, Reason: "training"}

	res, err := Resolve(snap, ResolveRequest{From: monday, To: monday, DurationMinutes: 60})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Times) != 0 || len(res.Skipped) != 0 {
		t.Fatalf("expected a silent day off, got %v skipped=%v", res.Times, res.Skipped)
	}
}

func TestResolve_OverrideWindowReplacesWeekly(t *testing.T) {
	start, end := tz.MustClock("10:00"), tz.MustClock("12:00")
	snap := laSnapshot(t)
	snap.Overrides[monday] = model.ScheduleOverride{ProviderID: "p1", Date: monday, IsAvailable: true, StartTime: &start, EndTime: &end}

	res, err := Resolve(snap, ResolveRequest{From: monday, To: monday, DurationMinutes: 60, IncrementMinutes: 30})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"2026-03-02T10:00:00-08:00", "2026-03-02T10:30:00-08:00", "2026-03-02T11:00:00-08:00"}
	if len(res.Times) != len(want) {
		t.Fatalf("expected %v, got %v", want, res.Times)
	}
	for i := range want {
		if res.Times[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, res.Times)
		}
	}
}

func TestResolve_OpenOverrideWithoutHours(t *testing.T) {
	snap := laSnapshot(t)
	snap.Overrides[monday] = model.ScheduleOverride{ProviderID: "p1", Date: monday, IsAvailable: true}

	res, err := Resolve(snap, ResolveRequest{From: monday, To: monday, DurationMinutes: 60, OpenPolicy: OpenOverrideUseWeekly})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Times) != 19 {
		t.Fatalf("weekly fallback: expected 19 slots, got %d", len(res.Times))
	}

	res, err = Resolve(snap, ResolveRequest{From: monday, To: monday, DurationMinutes: 60, OpenPolicy: OpenOverrideSkipDay})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Times) != 0 || len(res.Skipped) != 1 {
		t.Fatalf("skip policy: expected no slots and one skipped day, got %v skipped=%v", res.Times, res.Skipped)
	}
}

func TestResolve_HalfSpecifiedOverrideSkipsDate(t *testing.T) {
	start := tz.MustClock("10:00")
	snap := laSnapshot(t)
	snap.Overrides[monday] = model.ScheduleOverride{ProviderID: "p1", Date: monday, IsAvailable: true, StartTime: &start}

	res, err := Resolve(snap, ResolveRequest{From: monday, To: monday.AddDays(7), DurationMinutes: 60})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Date != monday {
		t.Fatalf("expected only %s skipped, got %v", monday, res.Skipped)
	}
	if len(res.Times) != 19 || res.Times[0] != "2026-03-09T08:00:00-07:00" {
		t.Fatalf("expected the following Monday to resolve normally, got %v", res.Times)
	}
}

func TestResolve_DatesAscendAcrossRange(t *testing.T) {
	snap := laSnapshot(t)
	snap.Weekly[time.Tuesday] = []model.WeeklyAvailability{
		{ProviderID: "p1", DayOfWeek: 2, StartTime: tz.MustClock("13:00"), EndTime: tz.MustClock("15:00")},
		{ProviderID: "p1", DayOfWeek: 2, StartTime: tz.MustClock("09:00"), EndTime: tz.MustClock("10:00")},
	}

	res, err := Resolve(snap, ResolveRequest{From: sunday, To: monday.AddDays(1), DurationMinutes: 60, IncrementMinutes: 60})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Monday 08..17 (10) + Tuesday 09, 13, 14 (3)
	if len(res.Slots) != 13 {
		t.Fatalf("expected 13 slots, got %d: %v", len(res.Slots), res.Times)
	}
	for i := 1; i < len(res.Slots); i++ {
		if !res.Slots[i].After(res.Slots[i-1]) {
			t.Fatalf("slots not ascending: %v", res.Times)
		}
	}
	if res.Times[10] != "2026-03-03T09:00:00-08:00" {
		t.Fatalf("unexpected first Tuesday slot %s", res.Times[10])
	}
}

func TestResolve_DSTDayHasOneHourLess(t *testing.T) {
	allDay := []model.WeeklyAvailability{{ProviderID: "p1", DayOfWeek: 0, StartTime: tz.MustClock("00:00"), EndTime: tz.MustClock("00:00")}}
	snap := laSnapshot(t)
	snap.Weekly[time.Sunday] = allDay

	normal, err := Resolve(snap, ResolveRequest{From: sunday, To: sunday, DurationMinutes: 60, IncrementMinutes: 60})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	transition, err := Resolve(snap, ResolveRequest{From: dstDay, To: dstDay, DurationMinutes: 60, IncrementMinutes: 60})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(normal.Slots) != 24 || len(transition.Slots) != 23 {
		t.Fatalf("expected 24 and 23 hourly slots, got %d and %d", len(normal.Slots), len(transition.Slots))
	}
	if transition.Times[2] != "2026-03-08T03:00:00-07:00" {
		t.Fatalf("expected the skipped 02:00 hour, got %s", transition.Times[2])
	}
}

func TestResolve_NotBeforeDropsEarlierSlots(t *testing.T) {
	loc := mustLA(t)
	res, err := Resolve(laSnapshot(t), ResolveRequest{
		From:            monday,
		To:              monday,
		DurationMinutes: 60,
		NotBefore:       time.Date(2026, 3, 2, 12, 0, 0, 0, loc),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Times) != 11 || res.Times[0] != "2026-03-02T12:00:00-08:00" {
		t.Fatalf("expected 11 slots from noon, got %v", res.Times)
	}
}

func TestResolve_Errors(t *testing.T) {
	snap := laSnapshot(t)
	snap.Provider.Timezone = "Mars/Olympus_Mons"
	if _, err := Resolve(snap, ResolveRequest{From: monday, To: monday, DurationMinutes: 60}); !errors.Is(err, tz.ErrUnknownZone) {
		t.Fatalf("expected ErrUnknownZone, got %v", err)
	}
	if _, err := Resolve(laSnapshot(t), ResolveRequest{From: monday, To: monday}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery for zero duration, got %v", err)
	}
}
