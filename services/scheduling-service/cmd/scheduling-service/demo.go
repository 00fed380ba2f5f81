package main

import (
	"context"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/storage"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

// seedDemo loads a small catalog and two Los Angeles technicians working weekdays
// 08:00-17:00, for local runs against the in-memory store.
func seedDemo(ctx context.Context, mem *storage.MemoryStore) error {
	services := []model.Service{
		{ID: "b7d0c7a4-3f8e-4a59-9a55-0d1f1c1e0001", Name: "Oil Change", LaborHours: 0.5, IsActive: true},
		{ID: "b7d0c7a4-3f8e-4a59-9a55-0d1f1c1e0002", Name: "Brake Pad Replacement", LaborHours: 1.5, IsActive: true},
		{ID: "b7d0c7a4-3f8e-4a59-9a55-0d1f1c1e0003", Name: "Battery Replacement", LaborHours: 0.75, IsActive: true},
	}
	var ids []string
	for _, svc := range services {
		mem.PutService(svc)
		ids = append(ids, svc.ID)
	}

	providers := []model.Provider{
		{ID: "5c1e9f02-6b1d-4c3a-8e0f-2a7b9d4e0001", Name: "Alex Rivera", IsActive: true, Timezone: "America/Los_Angeles"},
		{ID: "5c1e9f02-6b1d-4c3a-8e0f-2a7b9d4e0002", Name: "Sam Okafor", IsActive: true, Timezone: "America/Los_Angeles"},
	}
	for _, p := range providers {
		mem.PutProvider(p, ids...)
		for day := 1; day <= 5; day++ {
			if err := mem.UpsertWeekly(ctx, model.WeeklyAvailability{
				ProviderID: p.ID,
				DayOfWeek:  day,
				StartTime:  tz.MustClock("08:00"),
				EndTime:    tz.MustClock("17:00"),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
