package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// DatabasePinger checks database reachability.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter reports live protocol connections.
type ConnectionCounter interface {
	OnlineCount() int
	ViewerCount() int
}

// DrainState reports whether the server is shutting down.
type DrainState interface {
	Draining() bool
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	AgentsOnline  int    `json:"agents_online"`
	ViewersOnline int    `json:"viewers_online"`
	Error         string `json:"error,omitempty"`
}

// HealthHandler serves the unauthenticated health endpoint.
type HealthHandler struct {
	db          DatabasePinger
	connections ConnectionCounter
	drain       DrainState
	logger      zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DatabasePinger, connections ConnectionCounter, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:          db,
		connections: connections,
		logger:      logger.With().Str("component", "health_handler").Logger(),
	}
}

// SetDrainState makes GET /health answer 503 once shutdown begins.
func (h *HealthHandler) SetDrainState(d DrainState) {
	h.drain = d
}

// RegisterPublicRoutes registers GET /health.
func (h *HealthHandler) RegisterPublicRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
}

// Health reports database reachability and connection counts.
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:        "healthy",
		Database:      "healthy",
		AgentsOnline:  h.connections.OnlineCount(),
		ViewersOnline: h.connections.ViewerCount(),
	}

	if h.drain != nil && h.drain.Draining() {
		resp.Status = "draining"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("database health check failed")
		resp.Status = "unhealthy"
		resp.Database = "unhealthy"
		resp.Error = "database unreachable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
