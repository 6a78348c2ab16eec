package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StatusHandler reports the bridge state
type StatusHandler struct {
	poller     Poller
	refresher  Refresher
	auth       AuthStatus
	instanceID string
	now        func() time.Time
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(poller Poller, refresher Refresher, auth AuthStatus, instanceID string) *StatusHandler {
	return &StatusHandler{
		poller:     poller,
		refresher:  refresher,
		auth:       auth,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// GetStatus returns auth, connection and poll state
// GET /v1/status
func (h *StatusHandler) GetStatus(c *gin.Context) {
	token := gin.H{"present": false}
	if rec := h.refresher.Current(); rec.Valid() {
		token = gin.H{
			"present":           true,
			"expires":           rec.Expires,
			"remaining_seconds": int64(rec.Remaining(h.now()).Seconds()),
			"scope":             rec.Scope,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id": h.instanceID,
		"authorized":  h.auth.Authorized(),
		"connected":   h.auth.Connected(),
		"token":       token,
		"poller":      h.poller.Status(),
	})
}
