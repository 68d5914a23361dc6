package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tasbih-sync-service/internal/api"
	"tasbih-sync-service/internal/backend"
	"tasbih-sync-service/internal/config"
	"tasbih-sync-service/internal/logger"
	"tasbih-sync-service/internal/queue"
	"tasbih-sync-service/internal/session"
	syncer "tasbih-sync-service/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting tasbih sync service")

	// Open Queue Store
	store, err := queue.NewStore(cfg.QueueStorage)
	if err != nil {
		logger.Log.Fatal("Failed to open queue store", zap.Error(err))
	}
	defer store.Close()
	watched := queue.Watch(store)

	// Session tracker and backend client
	tracker := session.NewTracker(watched)
	authority := backend.NewClient(cfg.Backend)

	// Reconciler
	reconciler := syncer.NewReconciler(watched, authority, tracker, syncer.Backoff{
		Min: cfg.Sync.GetBackoffMin(),
		Max: cfg.Sync.GetBackoffMax(),
	})
	reconciler.Start()

	// Scheduler (periodic flush + retention prune)
	scheduler := syncer.NewScheduler(cfg.Sync, cfg.Retention, reconciler, watched)
	if err := scheduler.Start(); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Init API
	handler := api.NewHandler(tracker, reconciler, watched, cfg.Server)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown", zap.Error(err))
	}

	scheduler.Stop()
	reconciler.Stop()
}
