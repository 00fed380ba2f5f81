package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

func TestSeedDemoServesAvailability(t *testing.T) {
	ctx := context.Background()
	store, checks, closeStore, err := openBackend(ctx, settings{SeedDemo: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*storage.MemoryStore); !ok || len(checks) != 0 {
		t.Fatalf("expected the in-memory store without readiness checks, got %T %d", store, len(checks))
	}

	svc := availability.NewService(store, availability.Config{
		Now: func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) },
	}, nil)
	monday := tz.Date{Year: 2026, Month: time.March, Day: 2}
	resp, err := svc.GetAvailability(ctx, availability.Query{ServiceName: "oil change", StartDate: monday, EndDate: &monday})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// 08:00..16:30 on a 30 minute grid for a 30 minute job.
	if len(resp.Slots) != 2 || len(resp.Slots[0].AvailableTimes) != 18 {
		t.Fatalf("unexpected demo availability %+v", resp.Slots)
	}
}
