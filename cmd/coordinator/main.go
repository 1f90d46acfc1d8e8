package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"redaction-pipeline/internal/bus"
	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/coordinator"
	"redaction-pipeline/internal/ledger"
	"redaction-pipeline/internal/store"
	"redaction-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	// Explicit, idempotent migration step before any event is consumed.
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pub := bus.NewRedisBus(client, cfg.StreamMaxLen)
	led := ledger.New(ledger.NewPostgresStore(st.Pool()), cfg.LedgerAppendRetries, logger)

	coord := coordinator.New(st, led, pub, cfg.DedupCacheSize, logger)
	consumer := bus.NewConsumer(client, bus.ConsumerOptions{
		Group:          cfg.CoordinatorGroup,
		Name:           instanceName(),
		PoolSize:       cfg.WorkerPoolSize,
		MinIdle:        cfg.ReclaimMinIdle,
		HandlerTimeout: cfg.HandlerTimeout,
	}, logger)
	coord.Register(consumer)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("coordinator consuming", zap.String("group", cfg.CoordinatorGroup))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("coordinator stopped", zap.Error(err))
	}
}

func instanceName() string {
	if v := os.Getenv("INSTANCE_NAME"); v != "" {
		return v
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("coordinator-%d", os.Getpid())
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
