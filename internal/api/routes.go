// Package api provides the ops HTTP surface of keldris-recovery: probes,
// metrics, read access to the catalogs and token-guarded recovery controls.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"

	"github.com/MacJediWizard/keldris-recovery/internal/api/handlers"
	"github.com/MacJediWizard/keldris-recovery/internal/api/middleware"
	"github.com/MacJediWizard/keldris-recovery/internal/logging"
)

// Config holds configuration for the API router.
type Config struct {
	// APIToken guards the mutating routes. Empty leaves them unregistered.
	APIToken string
	// DefaultActor is recorded when a caller sends no X-Keldris-Actor.
	DefaultActor string
	// RateLimitRequests is the number of mutating requests allowed per period.
	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	// RateLimitStore backs the limiter. Nil uses an in-process store.
	RateLimitStore limiter.Store
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		DefaultActor:      "api",
		RateLimitRequests: 30,
		RateLimitPeriod:   time.Minute,
		MaxBodyBytes:      1 << 20,
		Version:           "dev",
		Commit:            "unknown",
		BuildDate:         "unknown",
	}
}

// Services are the components the router exposes. Nil services leave their
// routes unregistered.
type Services struct {
	Backups       handlers.BackupService
	Offsite       handlers.OffsiteService
	Recovery      handlers.RecoveryService
	Confirmations handlers.ConfirmationService
	Jobs          handlers.JobRunner
	Shutdown      handlers.ShutdownStatusProvider
	Operations    handlers.OperationLister
	Logs          *logging.Buffer
	// Checks run on /readyz.
	Checks map[string]handlers.HealthCheck
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a Router. baseCtx outlives requests and carries
// executions started over the API.
func NewRouter(baseCtx context.Context, cfg Config, svc Services, logger zerolog.Logger) (*Router, error) {
	if svc.Recovery != nil && baseCtx == nil {
		return nil, errors.New("api: base context required to serve recovery routes")
	}
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger, "/healthz", "/readyz", "/metrics"))
	r.Engine.Use(middleware.SecurityHeaders())
	if cfg.MaxBodyBytes > 0 {
		r.Engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}

	handlers.NewHealthHandler(svc.Checks, logger).RegisterPublicRoutes(r.Engine)
	handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate).RegisterPublicRoutes(r.Engine)

	gatherer := svc.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	apiV1 := r.Engine.Group("/api/v1")

	var mutating *gin.RouterGroup
	if cfg.APIToken != "" {
		rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, cfg.RateLimitStore)
		if err != nil {
			return nil, err
		}
		mutating = apiV1.Group("",
			middleware.RequireToken(cfg.APIToken, cfg.DefaultActor, logger),
			rateLimiter,
		)
	} else {
		r.logger.Warn().Msg("no API token configured; mutating routes disabled")
	}

	if svc.Backups != nil {
		h := handlers.NewBackupsHandler(svc.Backups, logger)
		h.RegisterRoutes(apiV1)
		if mutating != nil {
			h.RegisterMutatingRoutes(mutating)
		}
	}
	if svc.Offsite != nil {
		handlers.NewOffsiteHandler(svc.Offsite, logger).RegisterRoutes(apiV1)
	}
	if svc.Recovery != nil {
		h := handlers.NewDRHandler(baseCtx, svc.Recovery, svc.Confirmations, logger)
		h.RegisterRoutes(apiV1)
		if mutating != nil {
			h.RegisterMutatingRoutes(mutating)
		}
	}
	if svc.Jobs != nil {
		h := handlers.NewJobsHandler(svc.Jobs, logger)
		h.RegisterRoutes(apiV1)
		if mutating != nil {
			h.RegisterMutatingRoutes(mutating)
		}
	}
	if svc.Shutdown != nil && svc.Operations != nil {
		handlers.NewStatusHandler(svc.Shutdown, svc.Operations).RegisterRoutes(apiV1)
	}
	if svc.Logs != nil {
		handlers.NewLogsHandler(svc.Logs).RegisterRoutes(apiV1)
	}

	r.logger.Info().Bool("mutating_routes", mutating != nil).Msg("API router initialized")
	return r, nil
}
