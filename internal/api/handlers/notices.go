package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NoticesHandler lists user-visible notices
type NoticesHandler struct {
	board NoticeBoard
}

// NewNoticesHandler creates a new notices handler
func NewNoticesHandler(board NoticeBoard) *NoticesHandler {
	return &NoticesHandler{board: board}
}

// ListNotices returns the notices currently raised
// GET /v1/notices
func (h *NoticesHandler) ListNotices(c *gin.Context) {
	c.JSON(http.StatusOK, h.board.List())
}
