package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

type stubQuerier struct {
	calls int
	err   error
}

func (s *stubQuerier) GetAvailability(_ context.Context, q availability.Query) (availability.Response, error) {
	s.calls++
	if s.err != nil {
		return availability.Response{}, s.err
	}
	return availability.Response{
		Slots:                  []availability.ProviderSlots{{ProviderID: "p1", AvailableTimes: []string{"2026-03-02T08:00:00-08:00"}}},
		ServiceDurationMinutes: 60,
		DateRange:              availability.DateRange{Start: q.StartDate.String(), End: q.StartDate.String()},
		Message:                "ok",
	}, nil
}

func newCache(t *testing.T, next Querier) (*Availability, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewAvailability(rdb, next, time.Minute, nil)
	c.now = func() time.Time { return clock }
	return c, mr
}

var clock = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

var query = availability.Query{ServiceName: "Brake Pad Replacement", StartDate: tz.Date{Year: 2026, Month: 3, Day: 2}}

func TestAvailability_ServesRepeatsFromCache(t *testing.T) {
	next := &stubQuerier{}
	c, _ := newCache(t, next)
	ctx := context.Background()

	first, err := c.GetAvailability(ctx, query)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	q := query
	q.ServiceName = "  brake pad replacement"
	second, err := c.GetAvailability(ctx, q)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected one backend call, got %d", next.calls)
	}
	if second.Message != first.Message || len(second.Slots) != 1 || second.Slots[0].AvailableTimes[0] != "2026-03-02T08:00:00-08:00" {
		t.Fatalf("cached response differs: %+v", second)
	}

	q.PreferredProviderID = "p9"
	if _, err := c.GetAvailability(ctx, q); err != nil {
		t.Fatalf("third: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("a different preferred provider is a different entry, got %d calls", next.calls)
	}
}

func TestAvailability_BookingWriteInvalidates(t *testing.T) {
	next := &stubQuerier{}
	c, _ := newCache(t, next)
	ctx := context.Background()

	_, _ = c.GetAvailability(ctx, query)
	c.BookingWritten(ctx, model.Booking{ID: "b1"})
	_, _ = c.GetAvailability(ctx, query)
	if next.calls != 2 {
		t.Fatalf("expected a miss after the write, got %d calls", next.calls)
	}
}

func TestAvailability_TTLExpiry(t *testing.T) {
	next := &stubQuerier{}
	c, mr := newCache(t, next)
	ctx := context.Background()

	_, _ = c.GetAvailability(ctx, query)
	mr.FastForward(2 * time.Minute)
	_, _ = c.GetAvailability(ctx, query)
	if next.calls != 2 {
		t.Fatalf("expected a miss after expiry, got %d calls", next.calls)
	}
}

func TestAvailability_ErrorsAreNotCached(t *testing.T) {
	next := &stubQuerier{err: availability.ErrInvalidQuery}
	c, _ := newCache(t, next)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.GetAvailability(ctx, query); !errors.Is(err, availability.ErrInvalidQuery) {
			t.Fatalf("expected ErrInvalidQuery, got %v", err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("errors must not be cached, got %d calls", next.calls)
	}
}

func TestAvailability_FallsThroughWhenRedisIsDown(t *testing.T) {
	next := &stubQuerier{}
	c, mr := newCache(t, next)
	mr.Close()

	if _, err := c.GetAvailability(context.Background(), query); err != nil {
		t.Fatalf("expected fall-through, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected the backend to serve, got %d calls", next.calls)
	}
}

func TestAvailability_KeyedByMinute(t *testing.T) {
	next := &stubQuerier{}
	c, mr := newCache(t, next)
	ctx := context.Background()
	now := clock.Add(20 * time.Second)
	c.now = func() time.Time { return now }

	_, _ = c.GetAvailability(ctx, query)
	now = now.Add(30 * time.Second)
	_, _ = c.GetAvailability(ctx, query)
	if next.calls != 1 {
		t.Fatalf("expected a hit within the same minute, got %d calls", next.calls)
	}
	for _, k := range mr.Keys() {
		if ttl := mr.TTL(k); ttl > 40*time.Second {
			t.Fatalf("entry %s outlives its minute: %v", k, ttl)
		}
	}

	now = now.Add(15 * time.Second)
	_, _ = c.GetAvailability(ctx, query)
	if next.calls != 2 {
		t.Fatalf("expected a miss once the minute turns, got %d calls", next.calls)
	}
}
