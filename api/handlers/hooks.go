package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-workspace/realtime/internal/broadcast"
	"github.com/agent-workspace/realtime/internal/hooks"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// HookHandler exposes the hooks to out-of-process services. Every route
// answers 202 once its body parses; broadcast failures are logged by the
// hooks and never reported to the caller.
type HookHandler struct {
	hooks *hooks.Hooks
}

// NewHookHandler creates a HookHandler.
func NewHookHandler(h *hooks.Hooks) *HookHandler {
	return &HookHandler{hooks: h}
}

type workspaceScope struct {
	WorkspaceID string         `json:"workspaceId" binding:"required"`
	Metadata    map[string]any `json:"metadata"`
}

func (s workspaceScope) metadata() broadcast.Option {
	return broadcast.WithMetadata(s.Metadata)
}

type sessionScope struct {
	WorkspaceID string         `json:"workspaceId" binding:"required"`
	AgentID     string         `json:"agentId"`
	Metadata    map[string]any `json:"metadata"`
}

func (s sessionScope) metadata() broadcast.Option {
	return broadcast.WithMetadata(s.Metadata)
}

func (s sessionScope) ref(sessionID string) broadcast.SessionRef {
	return broadcast.SessionRef{WorkspaceID: s.WorkspaceID, AgentID: s.AgentID, SessionID: sessionID}
}

type agentCreatedRequest struct {
	workspaceScope
	protocol.AgentCreated
}

type agentUpdatedRequest struct {
	workspaceScope
	protocol.AgentUpdated
}

type agentDeletedRequest struct {
	workspaceScope
	protocol.AgentDeleted
}

type agentStatusRequest struct {
	workspaceScope
	protocol.AgentStatusUpdate
}

type agentPerformanceRequest struct {
	workspaceScope
	protocol.AgentPerformanceUpdate
}

type sessionStartedRequest struct {
	sessionScope
	protocol.SessionStarted
}

type sessionEndedRequest struct {
	sessionScope
	protocol.SessionEnded
}

type sessionStatusRequest struct {
	sessionScope
	protocol.SessionStatusChanged
}

type sessionAnalyticsRequest struct {
	sessionScope
	protocol.SessionAnalyticsSnapshot
}

type messageRequest struct {
	sessionScope
	protocol.MessageBody
}

type chunkRequest struct {
	sessionScope
	protocol.MessageChunk
}

type typingRequest struct {
	sessionScope
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type toolStartedRequest struct {
	sessionScope
	protocol.ToolCallStarted
}

type toolCompletedRequest struct {
	sessionScope
	protocol.ToolCallCompleted
}

type toolFailedRequest struct {
	sessionScope
	protocol.ToolCallFailed
}

// bind parses the body into a T, answering 400 when it does not parse.
func bind[T any](c *gin.Context) (*T, bool) {
	req := new(T)
	if err := c.ShouldBindJSON(req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return nil, false
	}
	return req, true
}

func accepted(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// AgentCreated handles POST /api/hooks/agents/:id/created.
func (h *HookHandler) AgentCreated(c *gin.Context) {
	if req, ok := bind[agentCreatedRequest](c); ok {
		h.hooks.Agent.OnAgentCreated(c.Request.Context(), req.WorkspaceID, c.Param("id"), req.AgentCreated, req.metadata())
		accepted(c)
	}
}

// AgentUpdated handles POST /api/hooks/agents/:id/updated.
func (h *HookHandler) AgentUpdated(c *gin.Context) {
	if req, ok := bind[agentUpdatedRequest](c); ok {
		h.hooks.Agent.OnAgentUpdated(c.Request.Context(), req.WorkspaceID, c.Param("id"), req.AgentUpdated, req.metadata())
		accepted(c)
	}
}

// AgentDeleted handles POST /api/hooks/agents/:id/deleted.
func (h *HookHandler) AgentDeleted(c *gin.Context) {
	if req, ok := bind[agentDeletedRequest](c); ok {
		h.hooks.Agent.OnAgentDeleted(c.Request.Context(), req.WorkspaceID, c.Param("id"), req.Reason, req.metadata())
		accepted(c)
	}
}

// AgentStatus handles POST /api/hooks/agents/:id/status.
func (h *HookHandler) AgentStatus(c *gin.Context) {
	if req, ok := bind[agentStatusRequest](c); ok {
		h.hooks.Agent.OnAgentStatusChanged(c.Request.Context(), req.WorkspaceID, c.Param("id"), req.Status, req.PreviousStatus, req.metadata())
		accepted(c)
	}
}

// AgentPerformance handles POST /api/hooks/agents/:id/performance.
func (h *HookHandler) AgentPerformance(c *gin.Context) {
	if req, ok := bind[agentPerformanceRequest](c); ok {
		h.hooks.Agent.OnAgentPerformanceUpdated(c.Request.Context(), req.WorkspaceID, c.Param("id"), req.AgentPerformanceUpdate, req.metadata())
		accepted(c)
	}
}

// SessionStarted handles POST /api/hooks/sessions/:id/started.
func (h *HookHandler) SessionStarted(c *gin.Context) {
	if req, ok := bind[sessionStartedRequest](c); ok {
		h.hooks.Session.OnSessionStarted(c.Request.Context(), req.ref(c.Param("id")), req.SessionStarted, req.metadata())
		accepted(c)
	}
}

// SessionEnded handles POST /api/hooks/sessions/:id/ended.
func (h *HookHandler) SessionEnded(c *gin.Context) {
	if req, ok := bind[sessionEndedRequest](c); ok {
		h.hooks.Session.OnSessionEnded(c.Request.Context(), req.ref(c.Param("id")), req.SessionEnded, req.metadata())
		accepted(c)
	}
}

// SessionStatus handles POST /api/hooks/sessions/:id/status.
func (h *HookHandler) SessionStatus(c *gin.Context) {
	if req, ok := bind[sessionStatusRequest](c); ok {
		h.hooks.Session.OnSessionStatusChanged(c.Request.Context(), req.ref(c.Param("id")), req.Status, req.PreviousStatus, req.metadata())
		accepted(c)
	}
}

// SessionAnalytics handles POST /api/hooks/sessions/:id/analytics.
func (h *HookHandler) SessionAnalytics(c *gin.Context) {
	if req, ok := bind[sessionAnalyticsRequest](c); ok {
		h.hooks.Session.OnSessionAnalyticsUpdated(c.Request.Context(), req.ref(c.Param("id")), req.SessionAnalyticsSnapshot, req.metadata())
		accepted(c)
	}
}

// MessageSent handles POST /api/hooks/sessions/:id/messages/sent.
func (h *HookHandler) MessageSent(c *gin.Context) {
	if req, ok := bind[messageRequest](c); ok {
		h.hooks.Message.OnMessageSent(c.Request.Context(), req.ref(c.Param("id")), req.MessageBody, req.metadata())
		accepted(c)
	}
}

// MessageReceived handles POST /api/hooks/sessions/:id/messages/received.
func (h *HookHandler) MessageReceived(c *gin.Context) {
	if req, ok := bind[messageRequest](c); ok {
		h.hooks.Message.OnMessageReceived(c.Request.Context(), req.ref(c.Param("id")), req.MessageBody, req.metadata())
		accepted(c)
	}
}

// MessageChunk handles POST /api/hooks/sessions/:id/messages/chunk.
func (h *HookHandler) MessageChunk(c *gin.Context) {
	if req, ok := bind[chunkRequest](c); ok {
		h.hooks.Message.OnMessageChunk(c.Request.Context(), req.ref(c.Param("id")), req.MessageChunk, req.metadata())
		accepted(c)
	}
}

// Typing handles POST /api/hooks/sessions/:id/typing.
func (h *HookHandler) Typing(c *gin.Context) {
	if req, ok := bind[typingRequest](c); ok {
		h.hooks.Message.OnTyping(c.Request.Context(), req.ref(c.Param("id")), req.UserID, req.IsTyping, req.metadata())
		accepted(c)
	}
}

// ToolCallStarted handles POST /api/hooks/sessions/:id/tool-calls/started.
func (h *HookHandler) ToolCallStarted(c *gin.Context) {
	if req, ok := bind[toolStartedRequest](c); ok {
		h.hooks.Tool.OnToolCallStarted(c.Request.Context(), req.ref(c.Param("id")), req.ToolCallStarted, req.metadata())
		accepted(c)
	}
}

// ToolCallCompleted handles POST /api/hooks/sessions/:id/tool-calls/completed.
func (h *HookHandler) ToolCallCompleted(c *gin.Context) {
	if req, ok := bind[toolCompletedRequest](c); ok {
		h.hooks.Tool.OnToolCallCompleted(c.Request.Context(), req.ref(c.Param("id")), req.ToolCallCompleted, req.metadata())
		accepted(c)
	}
}

// ToolCallFailed handles POST /api/hooks/sessions/:id/tool-calls/failed.
func (h *HookHandler) ToolCallFailed(c *gin.Context) {
	if req, ok := bind[toolFailedRequest](c); ok {
		h.hooks.Tool.OnToolCallFailed(c.Request.Context(), req.ref(c.Param("id")), req.ToolCallFailed, req.metadata())
		accepted(c)
	}
}

// RegisterRoutes registers the hook routes on a service-authenticated group.
func (h *HookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	agents := rg.Group("/hooks/agents/:id")
	{
		agents.POST("/created", h.AgentCreated)
		agents.POST("/updated", h.AgentUpdated)
		agents.POST("/deleted", h.AgentDeleted)
		agents.POST("/status", h.AgentStatus)
		agents.POST("/performance", h.AgentPerformance)
	}

	sessions := rg.Group("/hooks/sessions/:id")
	{
		sessions.POST("/started", h.SessionStarted)
		sessions.POST("/ended", h.SessionEnded)
		sessions.POST("/status", h.SessionStatus)
		sessions.POST("/analytics", h.SessionAnalytics)
		sessions.POST("/messages/sent", h.MessageSent)
		sessions.POST("/messages/received", h.MessageReceived)
		sessions.POST("/messages/chunk", h.MessageChunk)
		sessions.POST("/typing", h.Typing)
		sessions.POST("/tool-calls/started", h.ToolCallStarted)
		sessions.POST("/tool-calls/completed", h.ToolCallCompleted)
		sessions.POST("/tool-calls/failed", h.ToolCallFailed)
	}
}
