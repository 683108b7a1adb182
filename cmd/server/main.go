package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/abtest"
	"github.com/ignite/automation-engine/internal/api"
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
	log.Println("Starting automation engine server (cmd/server/main.go)")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancelPing()
	log.Println("[db] Connected to Postgres")

	// Redis: execution queue and distributed locks
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

	// Delivery through AWS SES
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := delivery.NewSESSender(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	if err != nil {
		log.Fatalf("Failed to initialize SES sender: %v", err)
	}

	// A/B test engine with engagement ingestion
	testEngine := abtest.NewEngine(abtest.NewPostgresStore(db),
		abtest.WithTestDefaults(cfg.ABTest.DefaultConfidenceLevel, cfg.ABTest.DefaultMinSampleSize))
	events := make(chan domain.EngagementEvent, cfg.ABTest.EventBufferSize)
	sender.SetEventSink(events)
	ingester := abtest.NewOutcomeIngester(testEngine, events)
	ingester.Start()
	defer ingester.Stop()

	// Metrics collector
	recorder := metrics.NewRecorder()
	collector := metrics.NewCollector(
		cfg.Metrics.Interval(), cfg.Metrics.Retention(), cfg.Metrics.Thresholds,
		recorder, prometheus.DefaultRegisterer,
		metrics.WithQueueDepth(execQueue.Depth),
	)
	collector.Start()
	defer collector.Stop()

	// Workflow engine
	workflowEngine := automation.NewEngine(
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

	// HTTP API
	handlers := api.NewHandlers(workflowEngine, testEngine, collector)
	handlers.Events = events
	router := api.SetupRoutes(handlers)
	router.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[server] Listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("[server] Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	close(events)
	log.Println("[server] Stopped")
}
