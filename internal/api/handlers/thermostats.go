package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"ecobridge/internal/devices"

	"github.com/gin-gonic/gin"
)

// ThermostatsHandler exposes the thermostat nodes
type ThermostatsHandler struct {
	registry *devices.Registry
	logger   *slog.Logger
}

// NewThermostatsHandler creates a new thermostats handler
func NewThermostatsHandler(registry *devices.Registry, logger *slog.Logger) *ThermostatsHandler {
	return &ThermostatsHandler{
		registry: registry,
		logger:   logger,
	}
}

// ListThermostats returns every node without its raw payload
// GET /v1/thermostats
func (h *ThermostatsHandler) ListThermostats(c *gin.Context) {
	nodes := h.registry.List()

	response := make([]devices.ThermostatView, 0, len(nodes))
	for _, node := range nodes {
		view := node.View()
		view.Data = nil
		response = append(response, view)
	}

	c.JSON(http.StatusOK, response)
}

// GetThermostat returns one node with its full payload
// GET /v1/thermostats/:address
func (h *ThermostatsHandler) GetThermostat(c *gin.Context) {
	address := c.Param("address")

	node, err := h.registry.Get(address)
	if errors.Is(err, devices.ErrNodeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Thermostat not found",
			"code":  "NOT_FOUND",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get thermostat",
			"component", "api",
			"address", address,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get thermostat",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, node.View())
}
