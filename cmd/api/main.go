package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/app"
	"github.com/xelth-com/catalogsync/internal/config"
	"github.com/xelth-com/catalogsync/internal/handlers"
	"github.com/xelth-com/catalogsync/internal/logger"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	defer log.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Database, clients, engine, scheduler
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialise services", zap.Error(err))
	}

	// 3. Background services
	go a.Hub.Run(ctx)
	a.Scheduler.Start(ctx)

	// 4. Set up HTTP router
	router := handlers.NewRouter(handlers.Deps{
		Syncer:     a.Engine,
		Reconciler: a.Reconciler,
		Policies:   a.Policies,
		Runs:       a.Runs,
		Recorder:   a.Scheduler,
		Fields:     a.Schema,
		Hub:        a.Hub,
		Webhook:    a.Events,
		Admin:      cfg.Admin,
		Log:        log.Named("http"),
	})
	if cfg.Admin.PasswordHash == "" || cfg.Admin.JWTSecret == "" {
		log.Warn("Admin API disabled: set ADMIN_PASSWORD_HASH and JWT_SECRET")
	}

	// 5. Start server with graceful shutdown
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("Server starting", zap.String("port", cfg.Port), zap.String("env", cfg.NodeEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	sig := <-shutdown
	log.Info("Received signal, shutting down gracefully", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the scheduler; an in-flight run stops at the next item boundary
	stop()
	a.Scheduler.Stop()

	// Close database (this also stops embedded PostgreSQL)
	a.Close()
	log.Info("Shutdown complete")
}
