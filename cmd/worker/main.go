package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taskmq/internal/auth"
	"taskmq/internal/config"
	"taskmq/internal/handlers"
	"taskmq/internal/ledger"
	"taskmq/internal/mq"
	"taskmq/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connect", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	top := mq.NewTopology(rdb, cfg.Namespace, cfg.Group)
	if err := top.Declare(ctx); err != nil {
		logger.Fatal("declare topology", zap.Error(err))
	}

	st := store.New(rdb, cfg.Namespace)
	led := ledger.New(rdb, cfg.Namespace)
	issuer := auth.NewTokenIssuer(cfg.SecretKey, cfg.TokenTTL)
	disp := mq.NewDispatcher(auth.NewAuthenticator(issuer, st))
	handlers.New(st, st, issuer).Register(disp)

	worker := mq.NewWorker(rdb, top, led, disp,
		mq.WithLogger(logger),
		mq.WithMaxRetries(cfg.MaxRetries),
		mq.WithRetryDelay(cfg.RetryDelay),
	)

	logger.Info("worker started",
		zap.String("stream", top.RequestsStream()),
		zap.String("group", top.GroupName()),
		zap.String("addr", cfg.RedisAddr))

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("worker shut down")
}
