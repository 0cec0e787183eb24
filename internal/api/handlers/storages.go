package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/dbkeeper/dbkeeper/internal/api/middleware"
	"github.com/dbkeeper/dbkeeper/internal/backup/backends"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/dbkeeper/dbkeeper/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StorageService tests and selects storage configurations.
type StorageService interface {
	Test(ctx context.Context, userID, id uuid.UUID) (backends.Result, error)
	SetDefault(ctx context.Context, userID, id uuid.UUID) error
}

// StoragesHandler handles storage configuration actions.
type StoragesHandler struct {
	service StorageService
	logger  zerolog.Logger
}

// NewStoragesHandler creates a new StoragesHandler.
func NewStoragesHandler(service StorageService, logger zerolog.Logger) *StoragesHandler {
	return &StoragesHandler{
		service: service,
		logger:  logger.With().Str("component", "storages_handler").Logger(),
	}
}

// RegisterRoutes registers storage routes on an authenticated group.
func (h *StoragesHandler) RegisterRoutes(r gin.IRouter) {
	storages := r.Group("/storages")
	{
		storages.POST("/:id/test", h.Test)
		storages.POST("/:id/default", h.SetDefault)
	}
}

// storageError maps service errors to responses. It reports whether it
// wrote one.
func (h *StoragesHandler) storageError(c *gin.Context, id uuid.UUID, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, models.ErrNotFound), errors.Is(err, storage.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "storage configuration not found"})
	case errors.Is(err, backends.ErrCredentialDecryption):
		c.JSON(http.StatusConflict, gin.H{"error": "stored credentials cannot be decrypted; re-enter them"})
	default:
		h.logger.Error().Err(err).Str("storage_id", id.String()).Msg("storage operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage operation failed"})
	}
	return true
}

// Test checks connectivity of a storage configuration.
// POST /api/v1/storages/:id/test
func (h *StoragesHandler) Test(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid storage id"})
		return
	}

	res, err := h.service.Test(c.Request.Context(), middleware.GetPrincipal(c).UserID, id)
	if h.storageError(c, id, err) {
		return
	}
	c.JSON(http.StatusOK, res)
}

// SetDefault makes the configuration the caller's default for its type.
// POST /api/v1/storages/:id/default
func (h *StoragesHandler) SetDefault(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid storage id"})
		return
	}

	err = h.service.SetDefault(c.Request.Context(), middleware.GetPrincipal(c).UserID, id)
	if h.storageError(c, id, err) {
		return
	}
	c.Status(http.StatusNoContent)
}
