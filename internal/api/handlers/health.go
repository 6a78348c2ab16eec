package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health states. A degraded bridge is still serving; it is waiting on the
// provider or on a PIN approval.
const (
	HealthUp       = "UP"
	HealthDegraded = "DEGRADED"
)

// HealthHandler reports liveness along with provider reachability
type HealthHandler struct {
	auth   AuthStatus
	poller Poller
}

func NewHealthHandler(auth AuthStatus, poller Poller) *HealthHandler {
	return &HealthHandler{auth: auth, poller: poller}
}

// GetHealth always answers 200 so an instance awaiting PIN approval is not
// restarted; the body says whether it can reach the thermostats.
// GET /health
func (h *HealthHandler) GetHealth(c *gin.Context) {
	authorized := h.auth.Authorized()
	connected := h.auth.Connected()
	ps := h.poller.Status()

	status := HealthUp
	if !authorized || !connected || !ps.Discovered {
		status = HealthDegraded
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"service":     "ecobridge",
		"authorized":  authorized,
		"connected":   connected,
		"discovered":  ps.Discovered,
		"authorizing": ps.Authorizing,
	})
}
