package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// extractToken pulls the client token from the X-API-Key header or an
// Authorization: Bearer header, in that order.
func extractToken(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}

	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	return ""
}

// TokenAuth guards control endpoints with a static token. An empty
// configured token disables the check, which is the development default.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		log.Warn().Msg("Control endpoints are unauthenticated: no control token configured")
		return func(c *gin.Context) { c.Next() }
	}

	expected := []byte(token)
	return func(c *gin.Context) {
		provided := extractToken(c)
		if provided == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			log.Warn().
				Str("ip", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Msg("Rejected control request with invalid token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
