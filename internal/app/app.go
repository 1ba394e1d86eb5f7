package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kr8tiv/mission-control/internal/alerts"
	"github.com/kr8tiv/mission-control/internal/alerts/channels"
	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/internal/database"
	"github.com/kr8tiv/mission-control/internal/gateway"
	"github.com/kr8tiv/mission-control/internal/queue"
	"github.com/kr8tiv/mission-control/internal/recovery"
	"github.com/kr8tiv/mission-control/pkg/config"
	"github.com/kr8tiv/mission-control/pkg/logging"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/tracing"
)

// App holds the process-wide dependencies shared by the API and worker binaries
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Zap     *zap.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService

	DB    *database.DB
	Redis *queue.RedisClient
	Repos *database.Repositories
	Queue *queue.Queue

	Continuity *continuity.Service
	Engine     *recovery.Engine
	Alerts     *alerts.Router
	UIAlerts   *channels.UISink
	Scheduler  *recovery.Scheduler
	Recovery   *recovery.Service
}

// New connects to Postgres and Redis and builds the recovery stack
func New(ctx context.Context, cfg *config.Config, service, version string) (*App, error) {
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: service,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	zapLogger, err := newZapLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}
	zapLogger = zapLogger.With(zap.String("service", service))

	a := &App{Config: cfg, Logger: logger, Zap: zapLogger}

	a.Metrics = metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	a.Tracer, err = tracing.NewTracingService(&tracing.Config{
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise tracing: %w", err)
	}

	a.DB, err = database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = a.DB.Health(healthCtx)
	cancel()
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	logger.Info("Database connection established")

	a.Redis, err = queue.NewRedisClient(&cfg.Redis)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Redis connection established")

	a.Repos = database.NewRepositories(a.DB)
	a.Queue = queue.NewQueue(a.Redis.Client(), cfg.Queue.Name, queue.WithMetrics(a.Metrics))

	httpClient := a.Tracer.InstrumentHTTPClient(&http.Client{Timeout: cfg.Gateway.Timeout})
	gatewayClient := gateway.NewClient(cfg.Gateway,
		gateway.WithHTTPClient(httpClient),
		gateway.WithMetrics(a.Metrics))

	classifier := continuity.NewClassifier(continuity.StaleAfterForConfig(cfg.Recovery.HeartbeatEvery))
	a.Continuity = continuity.NewService(a.Repos.Continuity(), gatewayClient, classifier,
		continuity.WithMetrics(a.Metrics),
		continuity.WithLogger(logger))

	a.Engine = recovery.NewEngine(a.Repos.Boards, a.Repos.Agents, a.Repos.Policies, a.Repos.Incidents, a.Continuity,
		recovery.WithEngineMetrics(a.Metrics),
		recovery.WithEngineTracer(a.Tracer),
		recovery.WithEngineLogger(logger))

	a.UIAlerts = channels.NewUISink(a.Redis.Client(), cfg.Channels.UIAlertListSize, zapLogger)
	a.Alerts = alerts.NewRouter(cfg.Channels.RolloutPhase, zapLogger, a.alertChannels()...)

	a.Scheduler = recovery.NewScheduler(a.Repos.Boards, a.Repos.Policies, a.Repos.Incidents, a.Engine, a.Alerts,
		recovery.WithSchedulerMetrics(a.Metrics),
		recovery.WithSchedulerTracer(a.Tracer),
		recovery.WithSchedulerLogger(logger))

	a.Recovery = recovery.NewService(a.Repos.Boards, a.Repos.Policies, a.Repos.Incidents, a.Engine, a.Continuity,
		recovery.WithEvidenceSink(a.Repos.Runs),
		recovery.WithJobEnqueuer(queue.NewEnqueuer(a.Queue, cfg.Queue.MaxRetries+1)))

	return a, nil
}

func (a *App) alertChannels() []alerts.RouterOption {
	ch := a.Config.Channels
	opts := []alerts.RouterOption{
		alerts.WithMetrics(a.Metrics),
		alerts.WithUI(a.UIAlerts),
	}

	telegram := channels.NewTelegramSender(ch.TelegramAPIURL, ch.TelegramBotToken, ch.TelegramChatID, ch.SendTimeout, a.Zap)
	if telegram.Configured() {
		opts = append(opts, alerts.WithTelegram(telegram))
	} else {
		a.Zap.Info("telegram alerts not configured")
	}

	whatsapp := channels.NewWhatsAppSender(ch.WhatsAppWebhookURL, ch.WhatsAppSecret, ch.WhatsAppRecipient, ch.SendTimeout, a.Zap)
	if whatsapp.Configured() {
		opts = append(opts, alerts.WithWhatsApp(whatsapp))
	} else {
		a.Zap.Info("whatsapp alerts not configured")
	}

	return opts
}

// MigrationGate opens once the database reaches the newest embedded migration.
// The returned close func releases the migrator connection.
func (a *App) MigrationGate() (*database.MigrationGate, func() error, error) {
	target, err := database.LatestVersion()
	if err != nil {
		return nil, nil, err
	}
	migrator, err := database.NewMigrator(&a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return database.NewMigrationGate(migrator, target), migrator.Close, nil
}

// Close releases connections in reverse order of creation
func (a *App) Close(ctx context.Context) {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("Failed to close Redis client", "error", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn("Failed to close database", "error", err)
		}
	}
	if a.Tracer != nil {
		if err := a.Tracer.Shutdown(ctx); err != nil {
			a.Logger.Warn("Failed to flush traces", "error", err)
		}
	}
	_ = a.Zap.Sync()
}

func newZapLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}
