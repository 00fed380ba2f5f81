package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/admission"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

var t0 = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

func booking(id, provider string, start time.Time, minutes int, status model.Status) model.Booking {
	b := model.NewBooking(provider, start, minutes, 0, 0)
	b.ID = id
	b.Status = status
	return b
}

func insert(ctx context.Context, s *MemoryStore, bs ...model.Booking) error {
	return s.InProviderTx(ctx, bs[0].ProviderID, func(ctx context.Context, tx admission.Tx) error {
		for _, b := range bs {
			if err := tx.Insert(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestMemoryStore_ScheduleUpserts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.PutProvider(model.Provider{ID: "p1", Name: "Alex", IsActive: true, Timezone: "UTC"})

	w := model.WeeklyAvailability{ProviderID: "p1", DayOfWeek: 1, StartTime: tz.MustClock("08:00"), EndTime: tz.MustClock("12:00")}
	if err := s.UpsertWeekly(ctx, w); err != nil {
		t.Fatalf("upsert weekly: %v", err)
	}
	w.EndTime = tz.MustClock("17:00")
	if err := s.UpsertWeekly(ctx, w); err != nil {
		t.Fatalf("upsert weekly again: %v", err)
	}
	rules, _ := s.ListWeeklyAvailability(ctx, []string{"p1"})
	if len(rules) != 1 || rules[0].EndTime != tz.MustClock("17:00") {
		t.Fatalf("expected the rule to be replaced, got %+v", rules)
	}

	w.ProviderID = "ghost"
	if err := s.UpsertWeekly(ctx, w); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown provider, got %v", err)
	}
	bad := model.WeeklyAvailability{ProviderID: "p1", DayOfWeek: 9, StartTime: tz.MustClock("08:00"), EndTime: tz.MustClock("12:00")}
	if err := s.UpsertWeekly(ctx, bad); !errors.Is(err, model.ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}

	d := tz.Date{Year: 2026, Month: time.March, Day: 2}
	for i := 0; i < 5; i++ {
		if err := s.UpsertOverride(ctx, model.ScheduleOverride{ProviderID: "p1", Date: d.AddDays(i)}); err != nil {
			t.Fatalf("upsert override: %v", err)
		}
	}
	got, _ := s.ListOverrides(ctx, []string{"p1"}, d.AddDays(1), d.AddDays(3))
	if len(got) != 3 || got[0].Date != d.AddDays(1) || got[2].Date != d.AddDays(3) {
		t.Fatalf("expected three overrides inside the range, got %+v", got)
	}
}

func TestMemoryStore_BlockedRangesOnlyActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := insert(ctx, s,
		booking("a", "p1", t0, 60, model.StatusConfirmed),
		booking("b", "p1", t0.Add(2*time.Hour), 60, model.StatusCancelled),
		booking("c", "p1", t0.Add(48*time.Hour), 60, model.StatusPending),
	); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := insert(ctx, s, booking("d", "p2", t0, 60, model.StatusPending)); err != nil {
		t.Fatalf("insert p2: %v", err)
	}

	got, err := s.ListBlockedRanges(ctx, []string{"p1"}, t0.Add(-time.Hour), t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list blocked: %v", err)
	}
	if len(got) != 1 || got[0].BookingID != "a" {
		t.Fatalf("expected only booking a, got %+v", got)
	}

	all, _ := s.ListBookings(ctx, "p1", t0.Add(-time.Hour), t0.Add(24*time.Hour))
	if len(all) != 2 {
		t.Fatalf("ListBookings includes cancelled bookings, expected 2 got %d", len(all))
	}
}

func TestMemoryStore_GuardRejectsOverlap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := insert(ctx, s, booking("a", "p1", t0, 60, model.StatusConfirmed)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := insert(ctx, s, booking("b", "p1", t0.Add(59*time.Minute), 30, model.StatusPending))
	if !errors.Is(err, admission.ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if err := insert(ctx, s, booking("c", "p1", t0.Add(time.Hour), 30, model.StatusPending)); err != nil {
		t.Fatalf("adjacent booking should be accepted: %v", err)
	}

	// Two overlapping writes staged in one transaction are also rejected.
	err = insert(ctx, s,
		booking("x", "p1", t0.Add(5*time.Hour), 60, model.StatusPending),
		booking("y", "p1", t0.Add(5*time.Hour+30*time.Minute), 60, model.StatusPending),
	)
	if !errors.Is(err, admission.ErrOverlap) {
		t.Fatalf("expected ErrOverlap inside one transaction, got %v", err)
	}
	if _, err := s.GetBooking(ctx, "x"); !errors.Is(err, admission.ErrNotFound) {
		t.Fatalf("failed transaction must not leave x behind, got %v", err)
	}
}

func TestMemoryStore_RollbackDiscardsWritesAndEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InProviderTx(ctx, "p1", func(ctx context.Context, tx admission.Tx) error {
		if err := tx.Insert(ctx, booking("a", "p1", t0, 60, model.StatusPending)); err != nil {
			return err
		}
		if err := tx.RecordEvent(ctx, outbox.Event{EventID: "e1", EventType: outbox.EventBookingCreated, AggregateID: "a"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetBooking(ctx, "a"); !errors.Is(err, admission.ErrNotFound) {
		t.Fatalf("booking should be rolled back, got %v", err)
	}
	if len(s.PendingEvents()) != 0 {
		t.Fatalf("events should be rolled back")
	}
}

func TestMemoryStore_ClaimMarksPublishedOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.InProviderTx(ctx, "p1", func(ctx context.Context, tx admission.Tx) error {
		for _, id := range []string{"e1", "e2", "e3"} {
			if err := tx.RecordEvent(ctx, outbox.Event{EventID: id, EventType: outbox.EventBookingCreated, AggregateID: "a"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	failed := errors.New("broker down")
	if err := s.Claim(ctx, 2, func([]outbox.Record) error { return failed }); !errors.Is(err, failed) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if len(s.PendingEvents()) != 3 {
		t.Fatalf("failed claim must not mark events published")
	}

	var seen []string
	if err := s.Claim(ctx, 2, func(rs []outbox.Record) error {
		for _, r := range rs {
			seen = append(seen, r.EventID)
		}
		return nil
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(seen) != 2 || seen[0] != "e1" || seen[1] != "e2" {
		t.Fatalf("expected e1,e2 in order, got %v", seen)
	}
	if p := s.PendingEvents(); len(p) != 1 || p[0].EventID != "e3" {
		t.Fatalf("expected only e3 pending, got %+v", p)
	}
}

func TestMemoryStore_ServiceLookupIsCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	s.PutService(model.Service{ID: "s1", Name: "Oil Change", LaborHours: 0.5, IsActive: true})
	s.PutService(model.Service{ID: "s2", Name: "Tire Rotation", LaborHours: 0.75, IsActive: false})

	if svc, ok, _ := s.FindActiveServiceByName(context.Background(), " oil CHANGE "); !ok || svc.ID != "s1" {
		t.Fatalf("expected s1, got %+v %v", svc, ok)
	}
	if _, ok, _ := s.FindActiveServiceByName(context.Background(), "tire rotation"); ok {
		t.Fatalf("inactive services should not be found")
	}
}

func TestMemoryStore_IdempotencyKeyUniqueAcrossProviders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := booking("a", "pA", t0, 60, model.StatusPending)
	a.IdempotencyKey = "K"
	b := booking("b", "pB", t0, 60, model.StatusPending)
	b.IdempotencyKey = "K"

	// pB commits the key while pA's transaction still holds it staged.
	err := s.InProviderTx(ctx, "pA", func(ctx context.Context, tx admission.Tx) error {
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		return insert(ctx, s, b)
	})
	if !errors.Is(err, admission.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey at commit, got %v", err)
	}
	if _, err := s.GetBooking(ctx, "a"); !errors.Is(err, admission.ErrNotFound) {
		t.Fatalf("the losing booking must not be stored, got %v", err)
	}
	got, ok, err := s.FindBookingByIdempotencyKey(ctx, "K")
	if err != nil || !ok || got.ID != "b" {
		t.Fatalf("expected b to own the key, got %+v %v %v", got, ok, err)
	}
}
