package handlers

import (
	"time"

	"github.com/dbkeeper/dbkeeper/internal/api/middleware"
	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// asUser stands in for BearerAuth and authenticates every request as userID.
func asUser(userID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.PrincipalContextKey, &auth.Principal{UserID: userID, ExpiresAt: time.Now().Add(time.Hour)})
		c.Next()
	}
}

func newTestRouter(userID uuid.UUID) (*gin.Engine, *gin.RouterGroup) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.Use(asUser(userID))
	return r, v1
}
