package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/audit"
	"github.com/incogx/Facer-app/internal/config"
	"github.com/incogx/Facer-app/internal/logging"
	"github.com/incogx/Facer-app/internal/queue"
	"github.com/incogx/Facer-app/internal/sessions"
	"github.com/incogx/Facer-app/internal/store"
)

// Worker drains the audit queue into Postgres and closes sessions whose
// window has elapsed.
func main() {
	cfg := config.Load()

	log, err := logging.New(&logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput}, "facer-worker")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := checkBackends(cfg); err != nil {
		log.Fatal("worker cannot start", zap.String("queue", cfg.QueueBackend), zap.String("store", cfg.StoreBackend), zap.Error(err))
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	if cfg.RunMigrations {
		if err := db.Migrate(ctx); err != nil {
			log.Fatal("db migrate failed", zap.Error(err))
		}
	}

	redis := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redis.Close()
	if !redis.Healthy(ctx) {
		log.Warn("redis not reachable yet, consumer will keep retrying", zap.String("addr", cfg.RedisAddr))
	}

	q := queue.NewRedisQueue(redis.Client, cfg.AuditQueueKey, log)
	consumer := audit.NewConsumer(q, audit.NewPostgresRecorder(db.Client), log)
	sweeper := sessions.NewSweeper(sessions.NewPostgresRepository(db.Client), cfg.SessionSweepInterval, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			log.Error("audit consumer failed", zap.Error(err))
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	log.Info("worker started", zap.String("queue_key", cfg.AuditQueueKey), zap.Duration("sweep_interval", cfg.SessionSweepInterval))
	<-ctx.Done()
	log.Info("shutdown signal received")
	wg.Wait()
	log.Info("worker stopped")
}

var errMemoryBackend = errors.New("worker needs the redis queue and the postgres store; the api consumes in-memory queues itself")

func checkBackends(cfg config.App) error {
	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		return errMemoryBackend
	}
	return nil
}
