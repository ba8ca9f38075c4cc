package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/medtransit/scheduling/libs/auth"
	"github.com/medtransit/scheduling/libs/config"
	"github.com/medtransit/scheduling/libs/db"
	"github.com/medtransit/scheduling/libs/httpx"
	"github.com/medtransit/scheduling/libs/kafkax"
	otelx "github.com/medtransit/scheduling/libs/otel"
	"github.com/medtransit/scheduling/libs/runtime"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/cache"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/handlers"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/outbox"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/staffdir"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/storage"
	"github.com/medtransit/scheduling/services/scheduling-service/migrations"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var readyChecks []runtime.ReadyCheck
	var store schedule.Store
	var pool *db.Pool

	kafkaBrokers := config.String("KAFKA_BROKERS", "")
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err = db.Open(ctx, dbURL)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
			logger.Error("db migration failed", "err", err)
			panic(err)
		}

		outboxRepo := outbox.NewRepository(pool)
		store = storage.NewPostgresStore(pool, outboxRepo)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   kafkaBrokers,
			PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		go publisher.Run(ctx)
		if kafkaBrokers != "" {
			readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(kafkaBrokers)})
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (single instance, no persistence)")
		store = storage.NewMemoryStore()
	}

	var availCache schedule.AvailabilityCache
	var rateLimit httpx.Middleware
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		availCache = cache.NewRedisAvailabilityCache(rdb, config.Duration("AVAILABILITY_CACHE_TTL", 5*time.Minute), logger)
		rateLimit = httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT", 120), time.Minute, service).Middleware(logger, true)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		rateLimit = httpx.NewRateLimiter(config.Int("RATE_LIMIT", 120), time.Minute).Middleware()
	}

	drivers, err := staffdir.NewProvider(config.String("STAFF_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("staff directory provider init failed; guardrail disabled", "err", err)
		drivers = nil
	}

	checker := schedule.NewConflictChecker(store)
	lifecycle := schedule.NewLifecycle(store, checker, drivers, availCache, logger)
	availability := schedule.NewAvailabilityComputer(store, availCache)
	scheduleHandler := handlers.NewScheduleHandler(lifecycle, checker, availability, store, logger)

	mux := runtime.NewBaseMux(readyChecks...)
	mux.HandleFunc("/api/v1/schedule", scheduleHandler.Entries)
	mux.HandleFunc("/api/v1/schedule/update", scheduleHandler.Update)
	mux.HandleFunc("/api/v1/schedule/transition", scheduleHandler.Transition)
	mux.HandleFunc("/api/v1/schedule/cancel", scheduleHandler.Cancel)
	mux.HandleFunc("/api/v1/schedule/complete", scheduleHandler.Complete)
	mux.HandleFunc("/api/v1/schedule/check", scheduleHandler.Check)
	mux.HandleFunc("/api/v1/schedule/availability", scheduleHandler.Availability)

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			MaxAge:         config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
		rateLimit,
		httpx.Middleware(auth.Middleware(config.String("JWT_SECRET", ""))),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
