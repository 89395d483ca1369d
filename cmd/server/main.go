// Package main is the entry point for the signature-scoring server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellsig/server/internal/api"
	"github.com/cellsig/server/internal/cache"
	"github.com/cellsig/server/internal/config"
	"github.com/cellsig/server/internal/knn"
	"github.com/cellsig/server/internal/scoring"
	"github.com/cellsig/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting signature-scoring server on port %d", cfg.Server.Port)

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ColumnCacheSizeMB: cfg.Cache.ColumnSizeMB,
		ColumnTTL:         time.Duration(cfg.Cache.ColumnTTLMinutes) * time.Minute,
		GraphCacheSize:    cfg.Cache.GraphCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Datasets are registered at runtime over the API.
	registry := api.NewDatasetRegistry()

	scoringDefaults := scoring.Options{
		MaxRank:        cfg.Scoring.MaxRank,
		ChunkSize:      cfg.Scoring.ChunkSize,
		Workers:        cfg.Scoring.Workers,
		NegativeWeight: *cfg.Scoring.NegativeWeight,
	}
	smoothDefaults := knn.Options{
		K:      cfg.Smoothing.K,
		Dims:   cfg.Smoothing.EmbeddingDims,
		Kernel: knn.Kernel(cfg.Smoothing.Kernel),
	}

	scoreService := service.NewScoreService(registry, scoringDefaults, cacheManager)
	smoothService := service.NewSmoothService(cacheManager, smoothDefaults)

	// Initialize job manager for scoring jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Score job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up the score service as job executor
	jobManager.Executor = scoreService.ExecuteScoreJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Scores:      scoreService,
		Smoother:    smoothService,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
