package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/fieldops/libs/db"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/admission"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/intervals"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

var ErrNotFound = errors.New("not found")

// Repository is the Postgres store. The bookings_no_overlap exclusion constraint is the
// authoritative guard; admission transactions also take a provider-scoped advisory lock so
// the application check and the insert cannot interleave with another admission.
type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool, outbox: outbox.NewRepository(pool)}
}

func (r *Repository) FindActiveServiceByName(ctx context.Context, name string) (model.Service, bool, error) {
	var svc model.Service
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, labor_hours::float8, is_active
		FROM services
		WHERE lower(name) = lower($1) AND is_active
		LIMIT 1
	`, name).Scan(&svc.ID, &svc.Name, &svc.LaborHours, &svc.IsActive)
	if IsNotFound(err) {
		return model.Service{}, false, nil
	}
	if err != nil {
		return model.Service{}, false, err
	}
	return svc, true, nil
}

func (r *Repository) ListQualifiedProviders(ctx context.Context, serviceID string) ([]model.Provider, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id::text, p.name, p.is_active, p.timezone
		FROM providers p
		JOIN provider_services ps ON ps.provider_id = p.id
		WHERE ps.service_id = $1 AND p.is_active
		ORDER BY p.name, p.id
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.IsActive, &p.Timezone); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) ListWeeklyAvailability(ctx context.Context, providerIDs []string) ([]model.WeeklyAvailability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT provider_id::text, day_of_week, start_time::text, end_time::text
		FROM weekly_availability
		WHERE provider_id = ANY($1::uuid[])
		ORDER BY provider_id, day_of_week, start_time
	`, providerIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklyAvailability
	for rows.Next() {
		var (
			w          model.WeeklyAvailability
			start, end string
		)
		if err := rows.Scan(&w.ProviderID, &w.DayOfWeek, &start, &end); err != nil {
			return nil, err
		}
		if w.StartTime, err = tz.ParseClock(start); err != nil {
			return nil, fmt.Errorf("weekly availability %s/%d: %w", w.ProviderID, w.DayOfWeek, err)
		}
		if w.EndTime, err = tz.ParseClock(end); err != nil {
			return nil, fmt.Errorf("weekly availability %s/%d: %w", w.ProviderID, w.DayOfWeek, err)
		}
		out = append(out, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) ListOverrides(ctx context.Context, providerIDs []string, from, to tz.Date) ([]model.ScheduleOverride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT provider_id::text, date::text, is_available, start_time::text, end_time::text, COALESCE(reason, '')
		FROM schedule_overrides
		WHERE provider_id = ANY($1::uuid[])
			AND date BETWEEN $2::date AND $3::date
		ORDER BY provider_id, date
	`, providerIDs, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleOverride
	for rows.Next() {
		var (
			o          model.ScheduleOverride
			date       string
			start, end *string
		)
		if err := rows.Scan(&o.ProviderID, &date, &o.IsAvailable, &start, &end, &o.Reason); err != nil {
			return nil, err
		}
		if o.Date, err = tz.ParseDate(date); err != nil {
			return nil, err
		}
		// A malformed clock is left nil; the resolver skips that date.
		if start != nil {
			if c, err := tz.ParseClock(*start); err == nil {
				o.StartTime = &c
			}
		}
		if end != nil {
			if c, err := tz.ParseClock(*end); err == nil {
				o.EndTime = &c
			}
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) ListBlockedRanges(ctx context.Context, providerIDs []string, from, to time.Time) ([]model.BlockedRange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, provider_id::text, lower(blocked_range), upper(blocked_range)
		FROM bookings
		WHERE provider_id = ANY($1::uuid[])
			AND status NOT IN ('cancelled', 'no_show')
			AND blocked_range && tstzrange($2, $3, '[)')
		ORDER BY lower(blocked_range)
	`, providerIDs, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedRange
	for rows.Next() {
		var b model.BlockedRange
		if err := rows.Scan(&b.BookingID, &b.ProviderID, &b.Range.Start, &b.Range.End); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) UpsertWeekly(ctx context.Context, w model.WeeklyAvailability) error {
	if err := w.Validate(); err != nil {
		return err
	}
	end := w.EndTime
	if end.IsEndOfDay() {
		end = tz.Clock{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO weekly_availability (provider_id, day_of_week, start_time, end_time)
		VALUES ($1, $2, $3::time, $4::time)
		ON CONFLICT (provider_id, day_of_week, start_time) DO UPDATE
		SET end_time = EXCLUDED.end_time,
			updated_at = now()
	`, w.ProviderID, w.DayOfWeek, w.StartTime.String(), end.String())
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

func (r *Repository) UpsertOverride(ctx context.Context, o model.ScheduleOverride) error {
	if err := o.Validate(); err != nil {
		return err
	}
	var start, end *string
	if o.StartTime != nil {
		s := o.StartTime.String()
		start = &s
	}
	if o.EndTime != nil {
		e := *o.EndTime
		if e.IsEndOfDay() {
			e = tz.Clock{}
		}
		s := e.String()
		end = &s
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO schedule_overrides (provider_id, date, is_available, start_time, end_time, reason)
		VALUES ($1, $2::date, $3, $4::time, $5::time, NULLIF($6, ''))
		ON CONFLICT (provider_id, date) DO UPDATE
		SET is_available = EXCLUDED.is_available,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			reason = EXCLUDED.reason,
			updated_at = now()
	`, o.ProviderID, o.Date.String(), o.IsAvailable, start, end, o.Reason)
	if isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

func (r *Repository) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Booking{}, admission.ErrNotFound
	}
	b, err := scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if IsNotFound(err) {
		return model.Booking{}, admission.ErrNotFound
	}
	return b, err
}

func (r *Repository) FindBookingByIdempotencyKey(ctx context.Context, key string) (model.Booking, bool, error) {
	return findBookingByKey(ctx, r.pool, key)
}

func (r *Repository) ListBookings(ctx context.Context, providerID string, from, to time.Time) ([]model.Booking, error) {
	if _, err := uuid.Parse(providerID); err != nil {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
			AND blocked_range && tstzrange($2, $3, '[)')
		ORDER BY scheduled_start
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// InProviderTx runs fn in a transaction holding pg_advisory_xact_lock for the provider.
func (r *Repository) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx admission.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if providerID != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, providerID); err != nil {
			return err
		}
	}
	if err := fn(ctx, &pgTx{tx: tx, outbox: r.outbox}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Claim implements outbox.Source.
func (r *Repository) Claim(ctx context.Context, limit int, fn func([]outbox.Record) error) error {
	return r.outbox.Claim(ctx, limit, fn)
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) ListActiveOverlapping(ctx context.Context, providerID string, rng intervals.Interval, excludeID string) ([]model.Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
			AND status NOT IN ('cancelled', 'no_show')
			AND blocked_range && tstzrange($2, $3, '[)')
			AND ($4 = '' OR id::text <> $4)
		ORDER BY scheduled_start
	`, providerID, rng.Start, rng.End, excludeID)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, key string) (model.Booking, bool, error) {
	return findBookingByKey(ctx, t.tx, key)
}

func (t *pgTx) GetForUpdate(ctx context.Context, id string) (model.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Booking{}, admission.ErrNotFound
	}
	b, err := scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if IsNotFound(err) {
		return model.Booking{}, admission.ErrNotFound
	}
	return b, err
}

func (t *pgTx) Insert(ctx context.Context, b model.Booking) error {
	if err := checkBookingIDs(b); err != nil {
		return err
	}
	blocked := b.BlockedRange()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings
			(id, provider_id, service_id, customer_name, customer_phone, notes,
			 scheduled_start, duration_minutes, buffer_before_minutes, buffer_after_minutes,
			 appointment_end, blocked_range, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, tstzrange($12, $13, '[)'), $14, $15, $16, $17)
	`, b.ID, nullable(b.ProviderID), nullable(b.ServiceID), b.CustomerName, b.CustomerPhone, b.Notes,
		b.ScheduledStart, b.DurationMinutes, b.BufferBeforeMinutes, b.BufferAfterMinutes,
		b.AppointmentEnd(), blocked.Start, blocked.End, string(b.Status), nullable(b.IdempotencyKey), b.CreatedAt, b.UpdatedAt)
	return mapWriteError(err)
}

func (t *pgTx) Update(ctx context.Context, b model.Booking) error {
	if err := checkBookingIDs(b); err != nil {
		return err
	}
	blocked := b.BlockedRange()
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET provider_id = $2,
			customer_name = $3,
			customer_phone = $4,
			notes = $5,
			scheduled_start = $6,
			duration_minutes = $7,
			buffer_before_minutes = $8,
			buffer_after_minutes = $9,
			appointment_end = $10,
			blocked_range = tstzrange($11, $12, '[)'),
			status = $13,
			updated_at = $14
		WHERE id = $1
	`, b.ID, nullable(b.ProviderID), b.CustomerName, b.CustomerPhone, b.Notes,
		b.ScheduledStart, b.DurationMinutes, b.BufferBeforeMinutes, b.BufferAfterMinutes,
		b.AppointmentEnd(), blocked.Start, blocked.End, string(b.Status), b.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return admission.ErrNotFound
	}
	return nil
}

func (t *pgTx) RecordEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

const bookingColumns = `id::text, COALESCE(provider_id::text, ''), COALESCE(service_id::text, ''),
	customer_name, customer_phone, notes, scheduled_start, duration_minutes,
	buffer_before_minutes, buffer_after_minutes, status, COALESCE(idempotency_key, ''),
	created_at, updated_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findBookingByKey(ctx context.Context, q querier, key string) (model.Booking, bool, error) {
	if key == "" {
		return model.Booking{}, false, nil
	}
	b, err := scanBooking(q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = $1`, key))
	if IsNotFound(err) {
		return model.Booking{}, false, nil
	}
	if err != nil {
		return model.Booking{}, false, err
	}
	return b, true, nil
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var (
		b      model.Booking
		start  time.Time
		dur    int
		bb, ba int
		status string
	)
	err := row.Scan(
		&b.ID,
		&b.ProviderID,
		&b.ServiceID,
		&b.CustomerName,
		&b.CustomerPhone,
		&b.Notes,
		&start,
		&dur,
		&bb,
		&ba,
		&status,
		&b.IdempotencyKey,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.Status = model.Status(status)
	b.Reschedule(start.UTC(), dur, bb, ba)
	return b, nil
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case IsConflict(err):
		return fmt.Errorf("%w: %v", admission.ErrOverlap, err)
	case isUniqueViolation(err, "bookings_idempotency_key_key"):
		return admission.ErrDuplicateIdempotencyKey
	case isInvalidText(err), isForeignKeyViolation(err):
		return fmt.Errorf("%w: %v", admission.ErrInvalidBooking, err)
	}
	return err
}

// checkBookingIDs rejects references the uuid columns would refuse.
func checkBookingIDs(b model.Booking) error {
	for _, ref := range []struct{ field, value string }{
		{"provider_id", b.ProviderID},
		{"service_id", b.ServiceID},
	} {
		if ref.value == "" {
			continue
		}
		if _, err := uuid.Parse(ref.value); err != nil {
			return fmt.Errorf("%w: %s %q is not a uuid", admission.ErrInvalidBooking, ref.field, ref.value)
		}
	}
	return nil
}

// isInvalidText reports SQLSTATE 22P02, e.g. a malformed uuid literal.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

// IsConflict reports an exclusion constraint violation.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
