/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cycle engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env file, then environment)
  2. Build the logger
  3. Initialize SQLite store
  4. Load persisted programs, then the PROGRAMS_FILE definitions
  5. Create cycle manager, API handler and router
  6. Start the cycle scheduler
  7. Start server with graceful shutdown

ENVIRONMENT:
  PORT, DB_PATH, LOG_LEVEL, ENVIRONMENT, PROGRAMS_FILE,
  SCHEDULER_ENABLED, SCHEDULER_SPEC, IMPORT_ASYNC_THRESHOLD,
  ENTITLEMENT_ASYNC_THRESHOLD, CHUNK_SIZE, WORKERS
  DB_PATH=":memory:" runs on an in-memory database.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Wait for background import and preparation jobs
  5. Close database connection

SEE ALSO:
  - config/config.go: Configuration
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/cycle-engine/api"
	"github.com/warp/cycle-engine/config"
	"github.com/warp/cycle-engine/cycle"
	"github.com/warp/cycle-engine/factory"
	"github.com/warp/cycle-engine/logger"
	"github.com/warp/cycle-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := logger.New(cfg.LogLevel, cfg.Environment)

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			log.Fatalf("Failed to create database directory: %v", err)
		}
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	// Load programs
	programFactory := factory.NewProgramFactory()
	registry := factory.NewRegistry(programFactory, store)
	n, err := registry.Load(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to load programs")
	}
	if cfg.ProgramsFile != "" {
		defs, err := programFactory.LoadFile(cfg.ProgramsFile)
		if err != nil {
			log.Fatalf("Failed to read programs file: %v", err)
		}
		for _, pj := range defs {
			if _, err := registry.Register(ctx, pj); err != nil {
				log.Fatalf("Failed to register program %s: %v", pj.ID, err)
			}
		}
		n += len(defs)
	}
	log.WithField("programs", n).Info("Programs loaded")

	// Cycle manager
	manager := cycle.NewManager(store, registry)
	manager.Log = log
	manager.ImportAsyncThreshold = cfg.ImportAsyncThreshold
	manager.EntitlementAsyncThreshold = cfg.EntitlementAsyncThreshold
	manager.ChunkSize = cfg.ChunkSize
	manager.Workers = cfg.Workers

	handler := api.NewHandler(manager, registry, log)
	router := api.NewRouter(handler)

	scheduler := api.NewCycleScheduler(manager, registry, log)
	scheduler.Spec = cfg.SchedulerSpec
	scheduler.Enabled = cfg.SchedulerEnabled
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Server starting on http://localhost:%s", cfg.Port)
		log.Infof("API available at http://localhost:%s/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	manager.Wait()

	log.Info("Server stopped")
}
