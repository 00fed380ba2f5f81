package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/metrics"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/model"
)

// Querier is satisfied by *availability.Service.
type Querier interface {
	GetAvailability(ctx context.Context, q availability.Query) (availability.Response, error)
}

// Availability caches query responses in Redis. Entries are keyed by a generation counter
// that every booking or schedule write bumps, so a write makes all earlier entries
// unreachable at once. Keys also carry the current minute and entries expire at its end,
// so slots dropped by the lead-time cut are never served more than a minute late.
type Availability struct {
	rdb    *redis.Client
	next   Querier
	ttl    time.Duration
	bucket time.Duration
	now    func() time.Time
	prefix string
	logger *slog.Logger
}

func NewAvailability(rdb *redis.Client, next Querier, ttl time.Duration, logger *slog.Logger) *Availability {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Availability{
		rdb:    rdb,
		next:   next,
		ttl:    ttl,
		bucket: time.Minute,
		now:    time.Now,
		prefix: "fieldops:availability",
		logger: logger,
	}
}

// GetAvailability serves from cache when possible. Redis failures fall through to the
// wrapped querier.
func (c *Availability) GetAvailability(ctx context.Context, q availability.Query) (availability.Response, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn("availability cache unavailable", "err", err)
		return c.next.GetAvailability(ctx, q)
	}
	now := c.now()
	key := c.key(gen, now, q)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var resp availability.Response
		if jsonErr := json.Unmarshal(raw, &resp); jsonErr == nil {
			metrics.IncCacheLookup(true)
			return resp, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("availability cache read failed", "err", err)
	}
	metrics.IncCacheLookup(false)

	resp, err := c.next.GetAvailability(ctx, q)
	if err != nil {
		return resp, err
	}
	if body, err := json.Marshal(resp); err == nil {
		if err := c.rdb.Set(ctx, key, body, c.entryTTL(now)).Err(); err != nil {
			c.logger.Warn("availability cache write failed", "err", err)
		}
	}
	return resp, nil
}

// BookingWritten invalidates cached responses after a committed booking write.
func (c *Availability) BookingWritten(ctx context.Context, b model.Booking) {
	if err := c.Invalidate(ctx); err != nil {
		c.logger.Warn("availability cache invalidation failed", "booking_id", b.ID, "err", err)
	}
}

func (c *Availability) Invalidate(ctx context.Context) error {
	return c.rdb.Incr(ctx, c.prefix+":gen").Err()
}

func (c *Availability) generation(ctx context.Context) (int64, error) {
	v, err := c.rdb.Get(ctx, c.prefix+":gen").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// entryTTL is the configured TTL, cut short at the end of now's bucket.
func (c *Availability) entryTTL(now time.Time) time.Duration {
	left := now.Truncate(c.bucket).Add(c.bucket).Sub(now)
	if left < c.ttl {
		return left
	}
	return c.ttl
}

func (c *Availability) key(gen int64, now time.Time, q availability.Query) string {
	end := ""
	if q.EndDate != nil {
		end = q.EndDate.String()
	}
	parts := []string{
		strings.ToLower(strings.TrimSpace(q.ServiceName)),
		q.StartDate.String(),
		end,
		q.PreferredProviderID,
		strconv.FormatInt(now.Truncate(c.bucket).Unix(), 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return c.prefix + ":" + strconv.FormatInt(gen, 10) + ":" + hex.EncodeToString(sum[:16])
}
