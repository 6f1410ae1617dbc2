package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/attentia/gazestore/internal/middleware"
	"github.com/attentia/gazestore/internal/platform/logger"
	"github.com/attentia/gazestore/internal/realtime"
	"github.com/attentia/gazestore/internal/sse"
)

type SSEHandler struct {
	log *logger.Logger
	hub *sse.Hub
}

func NewSSEHandler(log *logger.Logger, hub *sse.Hub) *SSEHandler {
	return &SSEHandler{log: log.With("handler", "SSEHandler"), hub: hub}
}

// StreamSession subscribes the caller to live snapshot events for one
// session. The connection is held open until the client goes away.
func (h *SSEHandler) StreamSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}

	client := h.hub.NewClient(middleware.CurrentUserID(c))
	h.hub.AddChannel(client, realtime.SessionChannel(sessionID))
	defer h.hub.RemoveClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
