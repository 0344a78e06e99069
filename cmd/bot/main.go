package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/api"
	"github.com/azure/mentions-responder/internal/classifier"
	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/dedup"
	"github.com/azure/mentions-responder/internal/monitoring"
	"github.com/azure/mentions-responder/internal/notifications"
	"github.com/azure/mentions-responder/internal/pipeline"
	"github.com/azure/mentions-responder/internal/scheduler"
	"github.com/azure/mentions-responder/internal/sources"
	"github.com/azure/mentions-responder/internal/storage"
)

func main() {
	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting Mentions Responder")

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()

	// Initialize the mention store, migrating it to the latest schema
	store, err := storage.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		logrus.Fatalf("Failed to open mention store: %v", err)
	}
	defer store.Close()

	archive, err := storage.NewArchive(startCtx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize archive: %v", err)
	}

	// Invalid forum credentials are the one failure that stops the process
	reddit := sources.NewRedditSourceFromConfig(cfg)
	if err := reddit.Authenticate(startCtx); err != nil {
		logrus.Fatalf("Failed to authenticate with %s: %v", reddit.GetName(), err)
	}

	var publisher sources.Publisher = reddit
	if !reddit.CanPost() {
		logrus.Warn("REDDIT_USERNAME/REDDIT_PASSWORD not set, approved replies will be logged instead of posted")
		publisher = sources.NewDryRunPublisher()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	notificationService := notifications.NewService(cfg)

	engine := pipeline.NewEngine(cfg, store, classifier.New(cfg), notificationService, publisher,
		pipeline.WithArchive(archive),
		pipeline.WithObserver(metrics),
	)

	index := dedup.NewIndex(store, cfg.DedupCacheTTL)
	if err := index.Rebuild(startCtx, time.Now()); err != nil {
		logrus.Warnf("Failed to warm dedup index: %v", err)
	}

	// Initialize monitoring service
	monitoringService := monitoring.NewService(cfg, store, index, reddit, engine, notificationService,
		monitoring.WithMetrics(metrics),
	)

	// Initialize scheduler
	schedulerService := scheduler.NewService(cfg, monitoringService)
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	// Set up HTTP server for health checks, metrics and decisions
	router := api.NewServer(store, engine, schedulerService, monitoringService, registry).Router()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AdapterTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Run the first cycle without waiting a full interval
	go func() {
		if _, err := schedulerService.TriggerCycle(); err != nil {
			logrus.Errorf("Initial cycle failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	if err := schedulerService.Stop(ctx); err != nil {
		logrus.Errorf("Scheduler did not stop cleanly: %v", err)
	}

	logrus.Info("Server exited")
}
