package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	otelx "github.com/md-rashed-zaman/fieldops/libs/otel"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/admission"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/intervals"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

// MemoryStore keeps everything in process. Admission transactions serialize per provider
// and every committed write is checked against the no-overlap invariant, the way the
// Postgres exclusion constraint checks it.
type MemoryStore struct {
	mu        sync.RWMutex
	services  map[string]model.Service
	providers map[string]model.Provider
	qualified map[string]map[string]bool
	weekly    map[string][]model.WeeklyAvailability
	overrides map[string]map[tz.Date]model.ScheduleOverride
	bookings  map[string]model.Booking
	events    []memEvent
	nextEvent int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	claimMu sync.Mutex
}

type memEvent struct {
	record    outbox.Record
	published bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:  map[string]model.Service{},
		providers: map[string]model.Provider{},
		qualified: map[string]map[string]bool{},
		weekly:    map[string][]model.WeeklyAvailability{},
		overrides: map[string]map[tz.Date]model.ScheduleOverride{},
		bookings:  map[string]model.Booking{},
		locks:     map[string]*sync.Mutex{},
	}
}

func (s *MemoryStore) PutService(svc model.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc
}

// PutProvider stores p and qualifies it for serviceIDs.
func (s *MemoryStore) PutProvider(p model.Provider, serviceIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
	for _, id := range serviceIDs {
		if s.qualified[id] == nil {
			s.qualified[id] = map[string]bool{}
		}
		s.qualified[id][p.ID] = true
	}
}

func (s *MemoryStore) UpsertWeekly(_ context.Context, w model.WeeklyAvailability) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[w.ProviderID]; !ok {
		return ErrNotFound
	}
	rules := s.weekly[w.ProviderID]
	for i, r := range rules {
		if r.DayOfWeek == w.DayOfWeek && r.StartTime == w.StartTime {
			rules[i] = w
			return nil
		}
	}
	s.weekly[w.ProviderID] = append(rules, w)
	return nil
}

func (s *MemoryStore) UpsertOverride(_ context.Context, o model.ScheduleOverride) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[o.ProviderID]; !ok {
		return ErrNotFound
	}
	if s.overrides[o.ProviderID] == nil {
		s.overrides[o.ProviderID] = map[tz.Date]model.ScheduleOverride{}
	}
	s.overrides[o.ProviderID][o.Date] = o
	return nil
}

func (s *MemoryStore) FindActiveServiceByName(_ context.Context, name string) (model.Service, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.services {
		if svc.IsActive && strings.EqualFold(svc.Name, strings.TrimSpace(name)) {
			return svc, true, nil
		}
	}
	return model.Service{}, false, nil
}

func (s *MemoryStore) ListQualifiedProviders(_ context.Context, serviceID string) ([]model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Provider
	for id := range s.qualified[serviceID] {
		if p, ok := s.providers[id]; ok && p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListWeeklyAvailability(_ context.Context, providerIDs []string) ([]model.WeeklyAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.WeeklyAvailability
	for _, id := range providerIDs {
		out = append(out, s.weekly[id]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartTime.SecondsOfDay() < out[j].StartTime.SecondsOfDay()
	})
	return out, nil
}

func (s *MemoryStore) ListOverrides(_ context.Context, providerIDs []string, from, to tz.Date) ([]model.ScheduleOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ScheduleOverride
	for _, id := range providerIDs {
		for d, o := range s.overrides[id] {
			if d.Before(from) || d.After(to) {
				continue
			}
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func (s *MemoryStore) ListBlockedRanges(_ context.Context, providerIDs []string, from, to time.Time) ([]model.BlockedRange, error) {
	window := intervals.Interval{Start: from, End: to}
	want := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		want[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BlockedRange
	for _, b := range s.bookings {
		if !want[b.ProviderID] || !b.Active() || !b.BlockedRange().Overlaps(window) {
			continue
		}
		out = append(out, model.BlockedRange{BookingID: b.ID, ProviderID: b.ProviderID, Range: b.BlockedRange()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start.Before(out[j].Range.Start) })
	return out, nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id string) (model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, admission.ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) FindBookingByIdempotencyKey(_ context.Context, key string) (model.Booking, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := findByKey(s.bookings, nil, key)
	return b, ok, nil
}

func (s *MemoryStore) ListBookings(_ context.Context, providerID string, from, to time.Time) ([]model.Booking, error) {
	window := intervals.Interval{Start: from, End: to}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Booking
	for _, b := range s.bookings {
		if b.ProviderID == providerID && b.BlockedRange().Overlaps(window) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

func (s *MemoryStore) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx admission.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if providerID != "" {
		unlock := s.lock("provider:" + providerID)
		defer unlock()
	}

	tx := &memTx{store: s, staged: map[string]model.Booking{}}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

// Claim hands unpublished events to fn and marks them published when it succeeds.
func (s *MemoryStore) Claim(_ context.Context, limit int, fn func([]outbox.Record) error) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	s.mu.RLock()
	var batch []outbox.Record
	for _, e := range s.events {
		if len(batch) == limit {
			break
		}
		if !e.published {
			batch = append(batch, e.record)
		}
	}
	s.mu.RUnlock()
	if len(batch) == 0 {
		return nil
	}
	if err := fn(batch); err != nil {
		return err
	}

	done := make(map[int64]bool, len(batch))
	for _, r := range batch {
		done[r.ID] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if done[s.events[i].record.ID] {
			s.events[i].published = true
		}
	}
	return nil
}

// PendingEvents returns the events not yet handed to a publisher.
func (s *MemoryStore) PendingEvents() []outbox.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Record
	for _, e := range s.events {
		if !e.published {
			out = append(out, e.record)
		}
	}
	return out
}

func (s *MemoryStore) lock(key string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range tx.staged {
		if err := checkInvariant(s.bookings, tx.staged, b); err != nil {
			return err
		}
		if keyTaken(s.bookings, b) {
			return admission.ErrDuplicateIdempotencyKey
		}
	}
	for id, b := range tx.staged {
		s.bookings[id] = b
	}
	now := time.Now().UTC()
	for _, rec := range tx.events {
		s.nextEvent++
		rec.ID = s.nextEvent
		rec.CreatedAt = now
		s.events = append(s.events, memEvent{record: rec})
	}
	return nil
}

type memTx struct {
	store  *MemoryStore
	staged map[string]model.Booking
	events []outbox.Record
	rows   []func()
}

func (t *memTx) release() {
	for i := len(t.rows) - 1; i >= 0; i-- {
		t.rows[i]()
	}
	t.rows = nil
}

// view returns the booking as seen by this transaction. Callers hold store.mu.
func (t *memTx) view(id string) (model.Booking, bool) {
	if b, ok := t.staged[id]; ok {
		return b, true
	}
	b, ok := t.store.bookings[id]
	return b, ok
}

func (t *memTx) ListActiveOverlapping(_ context.Context, providerID string, r intervals.Interval, excludeID string) ([]model.Booking, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var out []model.Booking
	for id := range t.store.bookings {
		if b, _ := t.view(id); b.ID != excludeID && b.ProviderID == providerID && b.Active() && b.BlockedRange().Overlaps(r) {
			out = append(out, b)
		}
	}
	for id, b := range t.staged {
		if _, committed := t.store.bookings[id]; committed {
			continue
		}
		if b.ID != excludeID && b.ProviderID == providerID && b.Active() && b.BlockedRange().Overlaps(r) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) FindByIdempotencyKey(_ context.Context, key string) (model.Booking, bool, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := findByKey(t.store.bookings, t.staged, key)
	return b, ok, nil
}

func (t *memTx) GetForUpdate(_ context.Context, id string) (model.Booking, error) {
	t.rows = append(t.rows, t.store.lock("booking:"+id))
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.view(id)
	if !ok {
		return model.Booking{}, admission.ErrNotFound
	}
	return b, nil
}

func (t *memTx) Insert(_ context.Context, b model.Booking) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if _, exists := t.view(b.ID); exists {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	if b.IdempotencyKey != "" {
		if _, taken := findByKey(t.store.bookings, t.staged, b.IdempotencyKey); taken {
			return admission.ErrDuplicateIdempotencyKey
		}
	}
	if err := checkInvariant(t.store.bookings, t.staged, b); err != nil {
		return err
	}
	t.staged[b.ID] = b
	return nil
}

func (t *memTx) Update(_ context.Context, b model.Booking) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if _, exists := t.view(b.ID); !exists {
		return admission.ErrNotFound
	}
	if err := checkInvariant(t.store.bookings, t.staged, b); err != nil {
		return err
	}
	t.staged[b.ID] = b
	return nil
}

func (t *memTx) RecordEvent(ctx context.Context, evt outbox.Event) error {
	t.events = append(t.events, outbox.Record{
		EventID:       evt.EventID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Trace:         otelx.CaptureTraceContext(ctx),
	})
	return nil
}

// checkInvariant rejects b if its blocked range overlaps another active booking of the
// same provider in committed state overlaid with staged.
func checkInvariant(committed, staged map[string]model.Booking, b model.Booking) error {
	if !b.Active() {
		return nil
	}
	clash := func(o model.Booking) bool {
		return o.ID != b.ID && o.ProviderID == b.ProviderID && o.Active() && o.BlockedRange().Overlaps(b.BlockedRange())
	}
	for id, o := range committed {
		if s, ok := staged[id]; ok {
			o = s
		}
		if clash(o) {
			return fmt.Errorf("%w: booking %s", admission.ErrOverlap, o.ID)
		}
	}
	for id, o := range staged {
		if _, ok := committed[id]; ok {
			continue
		}
		if clash(o) {
			return fmt.Errorf("%w: booking %s", admission.ErrOverlap, o.ID)
		}
	}
	return nil
}

// keyTaken reports whether another committed booking already holds b's idempotency key.
// Provider locks do not cover keys, so commit re-checks them like the unique index does.
func keyTaken(committed map[string]model.Booking, b model.Booking) bool {
	if b.IdempotencyKey == "" {
		return false
	}
	for id, o := range committed {
		if id != b.ID && o.IdempotencyKey == b.IdempotencyKey {
			return true
		}
	}
	return false
}

func findByKey(committed, staged map[string]model.Booking, key string) (model.Booking, bool) {
	if key == "" {
		return model.Booking{}, false
	}
	for _, b := range staged {
		if b.IdempotencyKey == key {
			return b, true
		}
	}
	for _, b := range committed {
		if b.IdempotencyKey == key {
			return b, true
		}
	}
	return model.Booking{}, false
}
