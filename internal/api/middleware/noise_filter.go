package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Paths polled by probes and scrapers, never logged on success
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// NoiseFilter keeps probe traffic and scanner noise out of the request log.
// It must run inside Logging so its mark is seen after c.Next returns.
func NoiseFilter(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		switch {
		case quietPaths[path] && status < 400:
			c.Set(SkipLoggingKey, true)
			return
		case c.GetBool(AuthenticatedKey):
			return
		case status == http.StatusNotFound && isScannerPath(path),
			status == http.StatusMethodNotAllowed:
			c.Set(SkipLoggingKey, true)
			logger.Debug("Scanner request filtered",
				"path", path,
				"method", c.Request.Method,
				"status", status,
				"client_ip", c.ClientIP())
		}
	}
}

// isScannerPath checks if a path is commonly used by scanners
func isScannerPath(path string) bool {
	scannerPaths := []string{
		"/phpmyadmin",
		"/wp-admin",
		"/wp-login",
		"/.env",
		"/.git",
		"/backup",
		"/.aws",
		"/console",
		"/actuator",
		"/manager",
		"/cgi-bin",
		"/.well-known",
		"/robots.txt",
		"/favicon.ico",
		"/sitemap.xml",
	}

	lowercasePath := strings.ToLower(path)
	for _, scannerPath := range scannerPaths {
		if strings.HasPrefix(lowercasePath, scannerPath) {
			return true
		}
	}

	scannerExtensions := []string{".php", ".asp", ".aspx", ".jsp", ".bak", ".sql", ".zip", ".tar", ".gz"}
	for _, ext := range scannerExtensions {
		if strings.HasSuffix(lowercasePath, ext) {
			return true
		}
	}

	return false
}
