/**
 * @description
 * This is the main entry point for the reward-service. It loads configuration,
 * opens the allocation store, builds the tier catalog, seeds the inventory from
 * the promotion file, connects the event producer and the claim throttle, starts
 * the inventory monitor, and serves the HTTP API until a shutdown signal arrives.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5, github.com/glebarez/sqlite: durable stores.
 * - github.com/redis/go-redis/v9: shared claim throttle.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/*, pkg/*: the service packages.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/reward-service/internal/api"
	"github.com/transfa/reward-service/internal/app"
	"github.com/transfa/reward-service/internal/catalog"
	"github.com/transfa/reward-service/internal/config"
	"github.com/transfa/reward-service/internal/metrics"
	"github.com/transfa/reward-service/internal/store"
	"github.com/transfa/reward-service/pkg/rabbitmq"
	"github.com/transfa/reward-service/pkg/ratelimit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting reward-service", "port", cfg.ServerPort, "store", cfg.StoreDriver)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open allocation store", "store", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer repository.Close()

	promotion, err := config.LoadPromotion(cfg.PromotionFile)
	if err != nil {
		logger.Error("failed to load promotion", "file", cfg.PromotionFile, "error", err)
		os.Exit(1)
	}

	var rng *rand.Rand
	if cfg.RandomSeed != 0 {
		rng = rand.New(rand.NewPCG(cfg.RandomSeed, cfg.RandomSeed))
		logger.Info("tier draw seeded", "seed", cfg.RandomSeed)
	}
	tierCatalog, err := catalog.New(promotion.Tiers, rng)
	if err != nil {
		logger.Error("invalid tier catalog", "error", err)
		os.Exit(1)
	}

	var producer rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL not set; reward events will not be published")
	} else if eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		producer = eventProducer
		logger.Info("rabbitmq producer connected")
	}
	defer producer.Close()

	serviceMetrics := metrics.New()

	rewardService := app.NewService(repository, tierCatalog, producer, serviceMetrics, logger, app.Options{
		ClaimWindow:      cfg.ClaimWindow(),
		UnresolvedPolicy: cfg.Policy(),
		RecentFeedLimit:  cfg.RecentFeedLimit,
		EventsExchange:   cfg.RewardEventsExchange,
	})

	if len(promotion.Codes) > 0 {
		seedCtx, cancelSeed := context.WithTimeout(ctx, 2*time.Minute)
		_, err := rewardService.SeedInventory(seedCtx, promotion.Codes)
		cancelSeed()
		if err != nil {
			logger.Error("failed to seed reward inventory", "error", err)
			os.Exit(1)
		}
	}

	verifyCtx, cancelVerify := context.WithTimeout(ctx, 30*time.Second)
	err = rewardService.VerifyInventory(verifyCtx)
	cancelVerify()
	if err != nil {
		logger.Error("reward inventory does not match the promotion catalog", "error", err)
		os.Exit(1)
	}

	claimLimiter, stopLimiter := newClaimLimiter(cfg, logger)
	defer stopLimiter()

	jobs := app.NewJobs(rewardService, cfg.LowInventoryThreshold, logger)
	jobs.CheckInventory()
	scheduler := app.NewScheduler(jobs, logger, cfg.InventoryCheckSchedule)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	handlers := api.NewRewardHandlers(rewardService, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		OperatorJWKSURL: cfg.OperatorJWKSURL,
		InternalAPIKey:  cfg.InternalAPIKey,
		AllowedOrigins:  cfg.AllowedOrigins(),
		ClaimLimiter:    claimLimiter,
		ClaimsPerMinute: cfg.ClaimThrottlePerMinute,
		TrustProxy:      cfg.TrustProxyHeaders,
		Metrics:         serviceMetrics,
		Logger:          logger,
	})
	if cfg.InternalAPIKey == "" && cfg.OperatorJWKSURL == "" {
		logger.Warn("no operator credentials configured; admin endpoints will reject every request")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown started")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()

	logger.Info("shutdown complete")
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		repo := store.NewPostgresRepository(dbpool)
		if err := repo.EnsureSchema(ctx); err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database connection established")
		return repo, nil

	case config.StoreDriverSQLite:
		repo, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store opened", "path", cfg.SQLitePath)
		return repo, nil

	default:
		logger.Warn("using in-memory allocation store; allocations are lost on restart and not shared across instances")
		return store.NewMemoryRepository(), nil
	}
}

// newClaimLimiter prefers the shared Redis throttle and falls back to a
// process-local one when Redis is not configured or unreachable.
func newClaimLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, func()) {
	if cfg.ClaimThrottlePerMinute <= 0 {
		logger.Info("claim throttle disabled")
		return nil, func() {}
	}

	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis url parse failed; using in-memory claim throttle", "error", err)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				logger.Warn("redis ping failed; using in-memory claim throttle", "error", err)
				redisClient.Close()
			} else {
				logger.Info("redis connected")
				return ratelimit.NewRedisLimiter(redisClient, cfg.RedisRateLimitPrefix), func() { redisClient.Close() }
			}
		}
	}

	memoryLimiter := ratelimit.NewMemoryLimiter()
	return memoryLimiter, memoryLimiter.Stop
}
