package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/sourcescan/internal/api"
	"github.com/timmy/sourcescan/internal/app"
	"github.com/timmy/sourcescan/internal/config"
	"github.com/timmy/sourcescan/internal/logger"
)

func main() {
	appLogger := logger.NewFromEnv(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize pipeline")
	}
	defer a.Close()

	workersDone := make(chan error, 1)
	go func() { workersDone <- a.Workers.Run(ctx) }()

	if err := a.Maintenance.Start(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to start maintenance scheduler")
	}

	router := api.SetupRouter(&api.RouterDeps{
		Jobs:   a.Jobs,
		Health: a.Health,
		Logger: appLogger,
	}, &cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	workersStopped := false
	select {
	case <-quit:
	case err := <-workersDone:
		workersStopped = true
		appLogger.WithError(err).Error("Worker pool stopped unexpectedly")
	}

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// In-flight chunks are released back to the queue when their context ends
	cancel()
	a.Maintenance.Stop()
	if !workersStopped {
		select {
		case <-workersDone:
		case <-shutdownCtx.Done():
			appLogger.Warn("Workers did not stop before the shutdown deadline")
		}
	}

	appLogger.Info("Server exited")
}
