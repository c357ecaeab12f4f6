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

	"raceroom/internal/api"
	"raceroom/internal/config"
	"raceroom/internal/database"
	"raceroom/internal/worker"

	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Race Room client service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("chain_id", cfg.ChainID),
		zap.String("contract", cfg.Contract.Address),
		zap.String("variant", string(cfg.Contract.Variant)),
		zap.String("db_driver", cfg.Database.Driver))

	// Connect to the action journal, if configured
	var db *database.DB
	if cfg.Database.Driver != "" {
		db, err = database.Connect(database.Config{
			Driver:     cfg.Database.Driver,
			Host:       cfg.Database.Host,
			Port:       cfg.Database.Port,
			User:       cfg.Database.User,
			Password:   cfg.Database.Password,
			DBName:     cfg.Database.DBName,
			SSLMode:    cfg.Database.SSLMode,
			SQLitePath: cfg.Database.SQLitePath,
		})
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := database.RunMigrations(context.Background(), db); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Database migrations applied successfully")
	} else {
		logger.Info("No database configured; actions will not be journaled")
	}

	// Initialize workers
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	workerManager, err := worker.NewWorkerManager(initCtx, cfg, db, logger)
	initCancel()
	if err != nil {
		logger.Fatal("Failed to initialize worker manager", zap.Error(err))
	}

	// Initialize API handlers
	apiHandler := api.NewHandler(
		workerManager.Actions(),
		workerManager.Notifier(),
		workerManager.Store(),
		workerManager.Client(),
		workerManager.Fees(),
		logger.Named("api"),
	)
	router := api.SetupRouter(apiHandler, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start workers before serving so recovered actions are tracked
	workerManager.Start()
	logger.Info("Workers started")

	// Connect the configured wallet right away
	if _, err := workerManager.Actions().Connect(context.Background()); err != nil {
		logger.Warn("Wallet not connected", zap.Error(err))
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
