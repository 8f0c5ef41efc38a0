// Command server runs the HTTP edge: OAuth login, sender management, and
// the batch-scheduling API backed by the Durable Store and Scheduling
// Coordinator.
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

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/emailsched/internal/api"
	"github.com/ignite/emailsched/internal/clock"
	"github.com/ignite/emailsched/internal/config"
	"github.com/ignite/emailsched/internal/identity"
	"github.com/ignite/emailsched/internal/pkg/logger"
	"github.com/ignite/emailsched/internal/queue"
	"github.com/ignite/emailsched/internal/scheduling"
	"github.com/ignite/emailsched/internal/store"
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
	db.SetMaxOpenConns(25)
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
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("server: redis unreachable at startup, health checks will report it degraded", "error", err.Error())
	}

	c := clock.Real{}
	st := store.New(db)
	q := queue.New(db, c)

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.EnsureSchema(schemaCtx); err != nil {
		schemaCancel()
		log.Fatalf("db: ensure schema: %v", err)
	}
	schemaCancel()

	coordinator := scheduling.New(st, q, c)
	coordinator.DefaultSpacingSeconds = cfg.DefaultSpacingMS / 1000
	if coordinator.DefaultSpacingSeconds == 0 {
		coordinator.DefaultSpacingSeconds = 1
	}
	coordinator.DefaultHourlyLimit = cfg.SenderHourlyLimit
	coordinator.DefaultMaxRetries = cfg.MaxRetries
	coordinator.InitialRetryDelayMS = cfg.InitialRetryDelayMS

	idp := identity.NewGoogleProvider(cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthCallbackURL)
	tokens := identity.NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpiry)
	health := api.NewHealthChecker(db, redisClient)

	handlers := api.NewHandlers(st, coordinator, idp, tokens, health)
	handlers.CookieDomain = ""
	handlers.CookieSecure = cfg.FrontendOrigin != "http://localhost:3000"

	router := api.NewRouter(handlers, cfg.FrontendOrigin)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	logger.Info("server: ready")

	<-done
	logger.Info("server: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server: shutdown error", "error", err.Error())
	}
	logger.Info("server: stopped")
}
