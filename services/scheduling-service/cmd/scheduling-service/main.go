package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/fieldops/libs/db"
	"github.com/md-rashed-zaman/fieldops/libs/grpcx"
	"github.com/md-rashed-zaman/fieldops/libs/httpx"
	"github.com/md-rashed-zaman/fieldops/libs/kafkax"
	otelx "github.com/md-rashed-zaman/fieldops/libs/otel"
	"github.com/md-rashed-zaman/fieldops/libs/runtime"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/admission"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/cache"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/grpcserver"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/metrics"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/storage"
)

// backend is implemented by both storage.Repository and storage.MemoryStore.
type backend interface {
	availability.Store
	admission.Store
	handlers.ScheduleStore
	outbox.Source
}

func main() {
	cfg, err := loadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			if err := runtime.Drain(5*time.Second, otelShutdown); err != nil {
				logger.Warn("otel shutdown error", "err", err)
			}
		}()
	}

	store, checks, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		panic(err)
	}
	defer closeStore()

	var (
		querier     handlers.AvailabilityQuerier
		invalidator handlers.Invalidator
		listeners   []admission.WriteListener
		limiter     httpx.Middleware
	)
	query := availability.NewService(store, cfg.Availability, logger)
	querier = query
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cached := cache.NewAvailability(rdb, query, cfg.CacheTTL, logger)
		querier, invalidator = cached, cached
		listeners = append(listeners, cached)
		limiter = httpx.NewRedisRateLimiter(rdb, cfg.RateLimit, time.Minute, "fieldops:rl").Middleware(logger, cfg.RateFailOpen)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		logger.Info("redis not configured; availability cache disabled, rate limiting is per instance")
		limiter = httpx.NewRateLimiter(cfg.RateLimit, time.Minute).Middleware()
	}
	ctrl := admission.NewController(store, admission.Config{TxTimeout: cfg.TxTimeout}, logger, listeners...)

	if cfg.Kafka != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.Kafka)})
	}
	publisher := outbox.NewPublisher(store, logger, outbox.PublisherConfig{
		Brokers:   cfg.Kafka,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})

	availabilityHandler := handlers.NewAvailabilityHandler(querier, logger)
	bookingHandler := handlers.NewBookingHandler(ctrl, logger)
	scheduleHandler := handlers.NewScheduleHandler(store, invalidator, logger)

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", metrics.Handler())
	api := http.NewServeMux()
	api.HandleFunc("/api/v1/availability", availabilityHandler.Get)
	api.HandleFunc("/api/v1/bookings", bookingHandler.Bookings)
	api.HandleFunc("/api/v1/bookings/update", bookingHandler.Update)
	api.HandleFunc("/api/v1/bookings/status", bookingHandler.Status)
	api.HandleFunc("/api/v1/providers/weekly", scheduleHandler.Weekly)
	api.HandleFunc("/api/v1/providers/overrides", scheduleHandler.Overrides)
	mux.Handle("/api/", httpx.Chain(api,
		limiter,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(cfg.RequestTimeout),
	))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpcx.NewServer(logger)
	grpcserver.Register(grpcServer, querier, ctrl, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		publisher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		err := runtime.Drain(10*time.Second, srv.Shutdown, func(context.Context) error {
			grpcServer.GracefulStop()
			return nil
		})
		if err != nil {
			logger.Error("server shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	logger.Info("scheduling service stopped")
}

// openBackend connects to Postgres and applies migrations when DATABASE_URL is set, and
// falls back to the in-memory store otherwise.
func openBackend(ctx context.Context, cfg settings, logger *slog.Logger) (backend, []runtime.ReadyCheck, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using the in-memory store (data is not persisted)")
		mem := storage.NewMemoryStore()
		if cfg.SeedDemo {
			if err := seedDemo(ctx, mem); err != nil {
				return nil, nil, nil, err
			}
			logger.Info("demo catalog loaded")
		}
		return mem, nil, func() {}, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: int32(cfg.DBMaxConns)})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := storage.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	return storage.NewRepository(pool), checks, pool.Close, nil
}
