package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/abtest"
	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/config"
	"github.com/ignite/automation-engine/internal/delivery"
	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/metrics"
	"github.com/ignite/automation-engine/internal/pkg/distlock"
	"github.com/ignite/automation-engine/internal/queue"
	"github.com/ignite/automation-engine/internal/subscribers"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting automation execution worker (cmd/worker/main.go)")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancelPing()
	log.Println("[db] Connected to Postgres")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing = context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	cancelPing()
	log.Println("[redis] Connected to Redis")

	execQueue := queue.New(redisClient, cfg.Automation.LeaseTTL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := delivery.NewSESSender(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	if err != nil {
		log.Fatalf("Failed to initialize SES sender: %v", err)
	}

	testEngine := abtest.NewEngine(abtest.NewPostgresStore(db),
		abtest.WithTestDefaults(cfg.ABTest.DefaultConfidenceLevel, cfg.ABTest.DefaultMinSampleSize))
	events := make(chan domain.EngagementEvent, cfg.ABTest.EventBufferSize)
	sender.SetEventSink(events)
	ingester := abtest.NewOutcomeIngester(testEngine, events)
	ingester.Start()
	defer ingester.Stop()

	recorder := metrics.NewRecorder()
	collector := metrics.NewCollector(
		cfg.Metrics.Interval(), cfg.Metrics.Retention(), cfg.Metrics.Thresholds,
		recorder, prometheus.NewRegistry(),
		metrics.WithQueueDepth(execQueue.Depth),
	)
	collector.Start()
	defer collector.Stop()

	engine := automation.NewEngine(
		automation.NewPostgresStore(db),
		subscribers.NewPostgresSource(db),
		sender,
		testEngine,
		execQueue,
		automation.WithRecorder(recorder),
		automation.WithAlertGate(collector),
		automation.WithRegistrationConcurrency(cfg.Batch.Concurrency),
		automation.WithSendPolicy(cfg.Batch.Policy()),
		automation.WithWebhookPolicy(cfg.Batch.Policy()),
		automation.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Automation.WebhookTimeoutSeconds) * time.Second,
		}),
		automation.WithLockFactory(func(key string) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, time.Minute)
		}),
	)

	pool := automation.NewWorkerPool(execQueue, engine, cfg.Automation.Workers, cfg.Automation.PollInterval())
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("[worker] Shutting down...")
	pool.Stop()
	close(events)
	log.Println("[worker] Stopped")
}
