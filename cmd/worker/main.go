package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tasktrack/internal/cache"
	"tasktrack/internal/config"
	"tasktrack/internal/deadletter"
	"tasktrack/internal/logging"
	"tasktrack/internal/queue"
	"tasktrack/internal/ratelimit"
	"tasktrack/internal/scanner"
	"tasktrack/internal/service"
	"tasktrack/internal/store"
	"tasktrack/internal/telemetry"
	"tasktrack/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	q := queue.New(redisClient, cfg.VisibilityTimeout, cfg.BackoffBase, log)
	c := cache.New(redisClient, cfg.CacheTTL, log)
	svc := service.New(st, q, c, cfg.MaxAttempts, log)

	archiver, err := deadletter.NewS3Archiver(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init dead-letter archiver")
	}
	var arch deadletter.Archiver
	if archiver != nil {
		arch = archiver
	}
	dlq := deadletter.NewHandler(st, arch, log)

	// One shared bucket caps throughput across every pool instance.
	poolRate := int(cfg.WorkerRatePerSec)
	poolLimiter := ratelimit.NewTokenBucket(redisClient, poolRate, cfg.WorkerRatePerSec, time.Hour)

	pool := worker.NewPool(q, svc, dlq, poolLimiter, cfg.WorkerCount, cfg.WorkerPollInterval, log)
	scan := scanner.New(st, q, cfg.ScanBatchSize, cfg.MaxAttempts, cfg.ScanSchedule, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	go func() {
		if err := scan.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("scanner stopped")
		}
	}()

	log.Info().
		Int("workers", cfg.WorkerCount).
		Float64("rate_per_sec", cfg.WorkerRatePerSec).
		Dur("visibility", cfg.VisibilityTimeout).
		Str("scan_schedule", cfg.ScanSchedule).
		Msg("worker started")

	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}
