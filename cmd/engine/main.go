package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"bankcore/internal/audit"
	"bankcore/internal/config"
	"bankcore/internal/engine"
	"bankcore/internal/events"
	"bankcore/internal/idempotency"
	"bankcore/internal/ledger"
	"bankcore/internal/logging"
	"bankcore/internal/metrics"
	"bankcore/internal/rates"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var store ledger.Store
	var auditLog audit.Log
	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(30)
		db.SetConnMaxLifetime(30 * time.Minute)

		pgStore := ledger.NewPostgresStore(db)
		pgLog := audit.NewPostgresLog(db)
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pgStore.EnsureSchema(schemaCtx); err != nil {
			logger.Error("failed to ensure accounts schema", "error", err)
			os.Exit(1)
		}
		if err := pgLog.EnsureSchema(schemaCtx); err != nil {
			logger.Error("failed to ensure audit schema", "error", err)
			os.Exit(1)
		}
		cancel()
		store, auditLog = pgStore, pgLog
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger and audit log")
		store = ledger.NewMemoryStore()
		auditLog = audit.NewMemoryLog()
	}

	var idemStore idempotency.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		idemStore = idempotency.NewRedisStore(client, cfg.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory idempotency store")
		idemStore = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	}

	primary, fallback := buildRateSources(cfg, logger)
	provider := rates.NewProvider(primary, fallback, cfg.RateCacheTTL, logger, m)

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	eng := engine.New(store, provider, idemStore, auditLog, publisher, m, logger)
	api := newAPI(eng, store, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.routes(registry),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("transfer engine listening", "addr", server.Addr, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func buildRateSources(cfg config.Config, logger *slog.Logger) (rates.Source, rates.Source) {
	if cfg.RatePrimaryURL == "" {
		logger.Warn("RATE_PRIMARY_URL not set, using static development rates")
		static, err := rates.NewStaticSource("static", rates.DefaultStaticRates())
		if err != nil {
			logger.Error("failed to build static rate source", "error", err)
			os.Exit(1)
		}
		return static, nil
	}
	primary := rates.NewHTTPSource("primary", cfg.RatePrimaryURL, cfg.RateFetchTimeout)
	var fallback rates.Source
	if cfg.RateFallbackURL != "" {
		fallback = rates.NewHTTPSource("fallback", cfg.RateFallbackURL, cfg.RateFetchTimeout)
	}
	return primary, fallback
}
