package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/kr8tiv/mission-control/internal/app"
	"github.com/kr8tiv/mission-control/internal/queue"
	"github.com/kr8tiv/mission-control/internal/worker"
	"github.com/kr8tiv/mission-control/pkg/config"
	"github.com/kr8tiv/mission-control/pkg/resilience"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "mission-control-worker", version)
	if err != nil {
		log.Fatalf("Failed to initialise: %v", err)
	}
	defer a.Close(context.Background())

	gate, closeGate, err := a.MigrationGate()
	if err != nil {
		log.Fatalf("Failed to open migration gate: %v", err)
	}
	defer closeGate()

	loop := worker.NewLoop(a.Scheduler, gate, a.Queue, worker.Config{
		RecoveryEnabled:  cfg.Recovery.LoopEnabled,
		RecoveryInterval: cfg.Recovery.Interval,
		BlockTimeout:     cfg.Queue.BlockTimeout,
		Throttle:         cfg.Queue.DispatchThrottle,
		Backoff: resilience.JobBackoff{
			Base: cfg.Queue.RetryBaseDelay,
			Max:  cfg.Queue.RetryMaxDelay,
		},
	},
		worker.WithHandler(queue.TaskTypeEvaluateBoard, worker.EvaluateBoardHandler(a.Recovery)),
		worker.WithLogger(a.Logger),
		worker.WithMetrics(a.Metrics),
	)

	a.Logger.Info("Starting recovery worker",
		"queue", cfg.Queue.Name,
		"recovery_enabled", cfg.Recovery.LoopEnabled,
		"interval", cfg.Recovery.Interval.String())

	if err := loop.Run(ctx); err != nil {
		a.Logger.Error("Worker stopped", "error", err)
	}
	a.Logger.Info("Worker exited")
}
