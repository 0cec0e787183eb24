// Package middleware provides the gin middleware of the dbkeeper API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// PrincipalContextKey is the gin context key holding the *auth.Principal.
const PrincipalContextKey = "principal"

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Principal, error)
}

// BearerAuth requires a valid bearer token and stores its principal in the
// gin context.
func BearerAuth(verifier TokenVerifier, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		token := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		principal, err := verifier.Verify(token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("bearer token rejected")
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(PrincipalContextKey, principal)
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal, or nil outside BearerAuth.
func GetPrincipal(c *gin.Context) *auth.Principal {
	v, ok := c.Get(PrincipalContextKey)
	if !ok {
		return nil
	}
	p, _ := v.(*auth.Principal)
	return p
}
