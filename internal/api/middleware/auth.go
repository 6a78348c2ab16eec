package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// APIKeyHeader carries the admin API key
	APIKeyHeader = "X-Ecobridge-Key"
	// AuthenticatedKey is set in the context once the key was accepted
	AuthenticatedKey = "authenticated"
)

// APIKey verifies the shared admin API key
func APIKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader(APIKeyHeader)
		if providedKey == "" || subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Unauthorized",
				"code":  "UNAUTHORIZED",
			})
			c.Abort()
			return
		}
		c.Set(AuthenticatedKey, true)
		c.Next()
	}
}
