package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/agent-workspace/realtime/internal/ws"
)

// WebSocketHandler attaches WebSocket connections.
type WebSocketHandler struct {
	service *ws.Service
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(service *ws.Service) *WebSocketHandler {
	return &WebSocketHandler{service: service}
}

// Attach handles GET /ws. Authentication happens on the socket: the first
// frame must be an authenticate frame.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	h.service.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
}
