package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"redaction-pipeline/internal/bus"
	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/telemetry"
	"redaction-pipeline/internal/worker"
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

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pub := bus.NewRedisBus(client, cfg.StreamMaxLen)

	packager, err := worker.NewPackagerFromConfig(ctx, cfg)
	if err != nil {
		logger.Fatal("init packager", zap.Error(err))
	}

	workers := worker.New(pub, packager, logger)
	workers.RegisterAnalyzer(models.KindDocument, worker.NewDocumentAnalyzer(filepath.Join(cfg.PackageOutputDir, "redacted")))
	workers.RegisterAnalyzer(models.KindAudio, worker.NewRuleAnalyzer("audio_rule"))
	workers.RegisterAnalyzer(models.KindVideo, worker.NewRuleAnalyzer("video_rule"))

	consumer := bus.NewConsumer(client, bus.ConsumerOptions{
		Group:          cfg.WorkerGroup,
		Name:           instanceName(),
		PoolSize:       cfg.WorkerPoolSize,
		MinIdle:        cfg.ReclaimMinIdle,
		HandlerTimeout: cfg.HandlerTimeout,
	}, logger)
	workers.Register(consumer)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("workers consuming", zap.String("group", cfg.WorkerGroup))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("workers stopped", zap.Error(err))
	}
}

func instanceName() string {
	if v := os.Getenv("INSTANCE_NAME"); v != "" {
		return v
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
