// Command worker runs the Worker Pool and Queue Recovery Loop: the
// background process that actually sends mail, distinct from the HTTP
// edge in cmd/server.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/config"
	"github.com/ignite/emailsched/internal/pkg/distlock"
	"github.com/ignite/emailsched/internal/pkg/logger"
	"github.com/ignite/emailsched/internal/queue"
	"github.com/ignite/emailsched/internal/ratelimit"
	"github.com/ignite/emailsched/internal/store"
	"github.com/ignite/emailsched/internal/transport"
	"github.com/ignite/emailsched/internal/worker"
)

func main() {
	cfg, err := config.Load("config/config.yaml", ".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("db: ping: %v", err)
	}
	pingCancel()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.QueueBackendAddr, Password: cfg.QueueBackendAuth})

	c := clock.Real{}
	st := store.New(db)

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.EnsureSchema(schemaCtx); err != nil {
		schemaCancel()
		log.Fatalf("db: ensure schema: %v", err)
	}
	schemaCancel()

	q := queue.New(db, c)
	limiter := ratelimit.New(redisClient, st, c, cfg.GlobalHourlyLimit, cfg.SenderHourlyLimit)

	transportPool := transport.NewPool(func(ctx context.Context, sc transport.SenderConfig) (transport.Adapter, error) {
		return transport.NewSESAdapter(ctx, sc, cfg.AWSRegion)
	})
	defer transportPool.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	pool := worker.New(st, q, limiter, transportPool, c, hostname)
	pool.Concurrency = cfg.WorkerConcurrency
	pool.InitialRetryDelayMS = cfg.InitialRetryDelayMS
	pool.DefaultTransport = transport.SenderConfig{
		Host:   cfg.DefaultTransportHost,
		Port:   cfg.DefaultTransportPort,
		Secure: cfg.DefaultTransportSecure,
		User:   cfg.DefaultTransportUser,
		Secret: cfg.DefaultTransportSecret,
	}

	recoveryLoop := queue.NewRecoveryLoop(q, distlock.NewLock(redisClient, db, "emailsched:queue-recovery", time.Minute))

	ctx, cancel := context.WithCancel(context.Background())

	pool.Start(ctx)
	go recoveryLoop.Start(ctx)

	logger.Info("worker: ready", "concurrency", pool.Concurrency, "hostname", hostname)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker: shutting down")
	cancel()
	pool.Stop()
	time.Sleep(2 * time.Second)
	logger.Info("worker: stopped")
}
