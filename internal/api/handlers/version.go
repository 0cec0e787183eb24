package handlers

import (
	"net/http"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/gin-gonic/gin"
)

// VersionInfo describes the running server build.
type VersionInfo struct {
	Version         string `json:"version"`
	Commit          string `json:"commit,omitempty"`
	BuildDate       string `json:"build_date,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
}

// VersionHandler serves build information.
type VersionHandler struct {
	info VersionInfo
}

// NewVersionHandler creates a new VersionHandler.
func NewVersionHandler(version, commit, buildDate string) *VersionHandler {
	return &VersionHandler{
		info: VersionInfo{
			Version:         version,
			Commit:          commit,
			BuildDate:       buildDate,
			ProtocolVersion: protocol.Version,
		},
	}
}

// RegisterPublicRoutes registers GET /version.
func (h *VersionHandler) RegisterPublicRoutes(r gin.IRouter) {
	r.GET("/version", h.Get)
}

// Get returns the server version information.
// GET /version
func (h *VersionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}
