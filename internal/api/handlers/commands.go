package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"ecobridge/internal/drivers/ecobee"

	"github.com/gin-gonic/gin"
)

// CommandsHandler runs operator commands against the poller and refresher
type CommandsHandler struct {
	poller    Poller
	refresher Refresher
	logger    *slog.Logger
}

// NewCommandsHandler creates a new commands handler
func NewCommandsHandler(poller Poller, refresher Refresher, logger *slog.Logger) *CommandsHandler {
	return &CommandsHandler{
		poller:    poller,
		refresher: refresher,
		logger:    logger,
	}
}

// Discover re-reads the thermostat list and adds new nodes
// POST /v1/discover
func (h *CommandsHandler) Discover(c *gin.Context) {
	if !h.poller.Discover(c.Request.Context()) {
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error":   "Discovery failed",
			"code":    "DISCOVERY_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Poll fetches changed thermostats now
// POST /v1/poll
func (h *CommandsHandler) Poll(c *gin.Context) {
	if err := h.poller.Update(c.Request.Context()); err != nil {
		h.logger.Error("Manual poll failed",
			"component", "api",
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "POLL_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Refresh forces a token refresh
// POST /v1/admin/refresh
func (h *CommandsHandler) Refresh(c *gin.Context) {
	err := h.refresher.Refresh(c.Request.Context())
	if err == nil {
		response := gin.H{"success": true}
		if rec := h.refresher.Current(); rec != nil {
			response["expires"] = rec.Expires
		}
		c.JSON(http.StatusOK, response)
		return
	}

	h.logger.Warn("Manual refresh did not complete",
		"component", "api",
		"error", err,
	)

	status, code := http.StatusBadGateway, "REFRESH_FAILED"
	switch {
	case errors.Is(err, ecobee.ErrLockHeld):
		status, code = http.StatusConflict, "LOCK_HELD"
	case errors.Is(err, ecobee.ErrReauthRequired):
		status, code = http.StatusConflict, "REAUTH_REQUIRED"
	case errors.Is(err, ecobee.ErrNoToken):
		status, code = http.StatusConflict, "NOT_AUTHORIZED"
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
		"code":    code,
	})
}
