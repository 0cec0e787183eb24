// Package api provides the HTTP surface of the dbkeeper server.
package api

import (
	"fmt"
	"net/http"

	"github.com/dbkeeper/dbkeeper/internal/api/handlers"
	"github.com/dbkeeper/dbkeeper/internal/api/middleware"
	"github.com/dbkeeper/dbkeeper/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// RateLimit is the per-client limit for /api/v1 in limiter notation
	// ("300-M").
	RateLimit string
	// Redis, when set, holds the rate limit counters.
	Redis *redis.Client
	// MetricsEnabled exposes GET /metrics.
	MetricsEnabled bool
	// MaxBodyBytes caps /api/v1 request bodies.
	MaxBodyBytes int64

	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with in-memory rate limiting.
func DefaultConfig() Config {
	return Config{
		RateLimit:      "300-M",
		MetricsEnabled: true,
		MaxBodyBytes:   1 << 20,
		Version:        "dev",
	}
}

// ProtocolServer accepts agent and viewer protocol connections.
type ProtocolServer interface {
	Serve(w http.ResponseWriter, r *http.Request, clientIP string)
}

// Dependencies are the services the routes call into.
type Dependencies struct {
	Database    handlers.DatabasePinger
	Connections handlers.ConnectionCounter
	Verifier    middleware.TokenVerifier
	Protocol    ProtocolServer
	Jobs        handlers.JobStore
	Runner      handlers.JobRunner
	Scheduler   handlers.JobSyncer
	Storage     handlers.StorageService
	// Drain, when set, fails /health once shutdown begins.
	Drain handlers.DrainState
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a Router serving the health, metrics, protocol and
// /api/v1 routes.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.Metrics())
	r.Engine.Use(middleware.SecurityHeaders())

	health := handlers.NewHealthHandler(deps.Database, deps.Connections, logger)
	if deps.Drain != nil {
		health.SetDrainState(deps.Drain)
	}
	health.RegisterPublicRoutes(r.Engine)
	handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate).RegisterPublicRoutes(r.Engine)
	if cfg.MetricsEnabled {
		r.Engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	// The protocol authenticates inside the connection, so the upgrade
	// route sits outside bearer auth and rate limiting.
	r.Engine.GET("/ws/agent", func(c *gin.Context) {
		deps.Protocol.Serve(c.Writer, c.Request, c.ClientIP())
	})

	limit, err := middleware.NewRateLimiter(cfg.RateLimit, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	v1 := r.Engine.Group("/api/v1")
	v1.Use(limit)
	if cfg.MaxBodyBytes > 0 {
		v1.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}
	v1.Use(middleware.BearerAuth(deps.Verifier, logger))

	handlers.NewJobsHandler(deps.Jobs, deps.Runner, deps.Scheduler, logger).RegisterRoutes(v1)
	handlers.NewStoragesHandler(deps.Storage, logger).RegisterRoutes(v1)

	r.logger.Debug().
		Bool("metrics", cfg.MetricsEnabled).
		Bool("redis_rate_limit", cfg.Redis != nil).
		Msg("routes registered")
	return r, nil
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Engine.ServeHTTP(w, req)
}
