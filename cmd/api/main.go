package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"github.com/ganadoscan/ganadoscan/internal/buildinfo"
	"github.com/ganadoscan/ganadoscan/internal/config"
	"github.com/ganadoscan/ganadoscan/internal/database"
	"github.com/ganadoscan/ganadoscan/internal/handlers"
	"github.com/ganadoscan/ganadoscan/internal/logger"
	"github.com/ganadoscan/ganadoscan/internal/middleware"
	"github.com/ganadoscan/ganadoscan/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.NodeEnv,
		Level:       logger.ParseLevel(cfg.LogLevel),
	})
	defer log.Close()

	// 2. Initialize database (embedded when PG_HOST is localhost with no password)
	db, err := database.Connect(cfg.Database, log.Logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// 3. Migrate schema
	if err := db.Migrate(); err != nil {
		log.WithError(err).Error("schema migration failed")
		db.Close()
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 4. Change feed: hub plus local or Redis fan-out
	hub := websocket.NewHub(log.Logger)
	go hub.Run(ctx)

	var broker websocket.Broker = websocket.NewLocalBroker(hub)
	if cfg.RedisURL != "" {
		rb, err := websocket.NewRedisBroker(ctx, cfg.RedisURL, hub, log.Logger)
		if err != nil {
			log.WithError(err).Warn("redis relay unavailable, feed stays local to this replica")
		} else {
			broker = rb
			log.Info("feed relayed through redis", "channel", websocket.FeedChannel)
		}
	}

	// 5. Metrics and router
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := handlers.NewRouter(handlers.Options{
		Records:    database.NewRecords(db.DB),
		Hub:        hub,
		Broker:     broker,
		JWTSecret:  cfg.JWTSecret,
		APIKeyHash: cfg.APIKeyHash,
		TokenTTL:   cfg.TokenTTL,
		Metrics:    middleware.NewHTTPMetrics(reg),
		Gatherer:   reg,
		Logger:     log.Logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           600,
	})

	// 6. Start server with graceful shutdown
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("server starting", "port", cfg.Port, "version", buildinfo.Version(), "env", cfg.NodeEnv)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sig := <-shutdown
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}

	// Disconnect feed clients, then stop relaying.
	stop()
	if err := broker.Close(); err != nil {
		log.WithError(err).Warn("feed broker close error")
	}

	// Close database (this also stops embedded PostgreSQL)
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("database close error")
	}

	log.Info("shutdown complete")
}
