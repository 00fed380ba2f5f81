package main

import (
	"errors"
	"time"

	"github.com/md-rashed-zaman/fieldops/libs/config"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/availability"
)

type settings struct {
	Service     string
	HTTPPort    string
	GRPCPort    string
	DatabaseURL string
	DBMaxConns  int
	RedisAddr   string
	Kafka       string
	SeedDemo    bool

	Availability   availability.Config
	CacheTTL       time.Duration
	TxTimeout      time.Duration
	RateLimit      int
	RateFailOpen   bool
	RequestTimeout time.Duration
}

func loadSettings() (settings, error) {
	s := settings{
		Service:     config.String("SERVICE_NAME", "scheduling-service"),
		DatabaseURL: config.String("DATABASE_URL", ""),
		RedisAddr:   config.String("REDIS_ADDR", ""),
		Kafka:       config.String("KAFKA_BROKERS", ""),
		Availability: availability.Config{
			FallbackPhone: config.String("FALLBACK_PHONE", ""),
		},
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	s.HTTPPort, err = config.Port("PORT", "8080")
	collect(err)
	s.GRPCPort, err = config.Port("GRPC_PORT", "9090")
	collect(err)
	s.DBMaxConns, err = config.Int("DB_MAX_CONNS", 10)
	collect(err)
	s.SeedDemo, err = config.Bool("SEED_DEMO_DATA", s.DatabaseURL == "")
	collect(err)

	s.Availability.SlotIncrementMinutes, err = config.Int("SLOT_INCREMENT_MINUTES", 30)
	collect(err)
	s.Availability.DefaultRangeDays, err = config.Int("AVAILABILITY_DEFAULT_DAYS", 7)
	collect(err)
	s.Availability.MaxRangeDays, err = config.Int("AVAILABILITY_MAX_DAYS", 31)
	collect(err)
	s.Availability.Concurrency, err = config.Int("AVAILABILITY_CONCURRENCY", 8)
	collect(err)
	s.Availability.MinLeadTime, err = config.Duration("AVAILABILITY_MIN_LEAD_TIME", 0)
	collect(err)
	skipOpen, err := config.Bool("OPEN_OVERRIDE_SKIP_DAY", false)
	collect(err)
	if skipOpen {
		s.Availability.OpenOverride = availability.OpenOverrideSkipDay
	}

	s.CacheTTL, err = config.Seconds("AVAILABILITY_CACHE_TTL_SECONDS", 30*time.Second)
	collect(err)
	s.TxTimeout, err = config.Seconds("ADMISSION_TX_TIMEOUT_SECONDS", 5*time.Second)
	collect(err)
	s.RateLimit, err = config.Int("RATE_LIMIT_PER_MINUTE", 120)
	collect(err)
	s.RateFailOpen, err = config.Bool("RATE_LIMIT_FAIL_OPEN", true)
	collect(err)
	s.RequestTimeout, err = config.Seconds("HTTP_REQUEST_TIMEOUT_SECONDS", 15*time.Second)
	collect(err)

	return s, errors.Join(errs...)
}
