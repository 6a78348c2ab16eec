package middleware

import (
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxCommandBody caps what a command request may carry. Commands take no
// arguments, so anything larger is a misdirected upload.
const MaxCommandBody = 4 << 10

// ContentType guards POST commands: a body, if present, must be small JSON
func ContentType() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		if c.Request.ContentLength > MaxCommandBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "command body too large",
				"code":  "BODY_TOO_LARGE",
			})
			return
		}

		mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
		if err != nil || mediaType != "application/json" {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error": "Content-Type must be application/json",
				"code":  "INVALID_CONTENT_TYPE",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxCommandBody)
		c.Next()
	}
}
