package api

import (
	"log/slog"

	"ecobridge/internal/api/handlers"
	"ecobridge/internal/api/middleware"
	"ecobridge/internal/devices"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds dependencies for the API router
type RouterConfig struct {
	Poller     handlers.Poller
	Refresher  handlers.Refresher
	AuthStatus handlers.AuthStatus
	Notices    handlers.NoticeBoard
	Registry   *devices.Registry
	InstanceID string
	APIKey     string
	Logger     *slog.Logger
}

// NewRouter creates and configures the Gin router
func NewRouter(config RouterConfig) *gin.Engine {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(config.Logger))
	router.Use(middleware.Logging(config.Logger))
	router.Use(middleware.NoiseFilter(config.Logger))
	router.Use(middleware.Metrics())
	router.Use(middleware.ContentType())

	// Health check and metrics (no auth)
	healthHandler := handlers.NewHealthHandler(config.AuthStatus, config.Poller)
	router.GET("/health", healthHandler.GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes (with authentication)
	v1 := router.Group("/v1")
	v1.Use(middleware.APIKey(config.APIKey))
	{
		statusHandler := handlers.NewStatusHandler(
			config.Poller,
			config.Refresher,
			config.AuthStatus,
			config.InstanceID,
		)
		v1.GET("/status", statusHandler.GetStatus)

		thermostatsHandler := handlers.NewThermostatsHandler(config.Registry, config.Logger)
		v1.GET("/thermostats", thermostatsHandler.ListThermostats)
		v1.GET("/thermostats/:address", thermostatsHandler.GetThermostat)

		noticesHandler := handlers.NewNoticesHandler(config.Notices)
		v1.GET("/notices", noticesHandler.ListNotices)

		commandsHandler := handlers.NewCommandsHandler(config.Poller, config.Refresher, config.Logger)
		v1.POST("/discover", commandsHandler.Discover)
		v1.POST("/poll", commandsHandler.Poll)
		v1.POST("/admin/refresh", commandsHandler.Refresh)
	}

	return router
}
