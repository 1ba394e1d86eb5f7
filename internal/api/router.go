package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kr8tiv/mission-control/pkg/config"
	"github.com/kr8tiv/mission-control/pkg/logging"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/tracing"
)

// Version is reported by /health and /api/v1
var Version = "dev"

// Dependencies wires the router to its collaborators
type Dependencies struct {
	Recovery RecoveryService
	Alerts   AlertFeed
	Health   map[string]HealthChecker
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
}

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	router := gin.New()

	router.Use(ErrorHandlingMiddleware())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(SecurityHeadersMiddleware())
	if deps.Tracer != nil {
		router.Use(deps.Tracer.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}

	health := NewHealthHandler(Version, deps.Health)
	router.GET("/health", health.Handle)

	v1 := router.Group("/api/v1")
	{
		v1.GET("", func(c *gin.Context) {
			SuccessResponse(c, map[string]interface{}{
				"name":    "Mission Control API",
				"version": Version,
				"status":  "ok",
			})
		})

		recoveryGroup := v1.Group("/organizations/:org_id/runtime/recovery")
		NewRecoveryHandler(deps.Recovery, deps.Alerts).Register(recoveryGroup)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
