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

	"github.com/kr8tiv/mission-control/internal/api"
	"github.com/kr8tiv/mission-control/internal/app"
	"github.com/kr8tiv/mission-control/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, "mission-control-api", api.Version)
	if err != nil {
		log.Fatalf("Failed to initialise: %v", err)
	}
	defer a.Close(ctx)

	router := api.NewRouter(cfg, api.Dependencies{
		Recovery: a.Recovery,
		Alerts:   a.UIAlerts,
		Health: map[string]api.HealthChecker{
			"database": a.DB,
			"redis":    a.Redis,
		},
		Logger:  a.Logger,
		Metrics: a.Metrics,
		Tracer:  a.Tracer,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		a.Logger.Info("Starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	a.Logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Server forced to shutdown", "error", err)
	}

	a.Logger.Info("Server exited")
}
