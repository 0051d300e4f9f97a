package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-workspace/realtime/internal/ws"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

const healthCheckTimeout = 2 * time.Second

// StatsSource reports connection and room counts.
type StatsSource interface {
	Stats() ws.Stats
}

// DirectoryCounter reports how many agents and sessions are known.
type DirectoryCounter interface {
	Counts() (agents, sessions int)
}

// Check reports the state of one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves GET /health.
type HealthHandler struct {
	stats     StatsSource
	checks    map[string]Check
	directory DirectoryCounter
	node      string
}

// NewHealthHandler creates a HealthHandler. checks may be nil.
func NewHealthHandler(stats StatsSource, checks map[string]Check) *HealthHandler {
	return &HealthHandler{stats: stats, checks: checks}
}

// SetDirectory adds the known agent and session counts to the response.
func (h *HealthHandler) SetDirectory(d DirectoryCounter) *HealthHandler {
	h.directory = d
	return h
}

// SetNode names the relay node serving the response.
func (h *HealthHandler) SetNode(node string) *HealthHandler {
	h.node = node
	return h
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string            `json:"status"`
	Healthy     bool              `json:"healthy"`
	Connections int               `json:"connections"`
	Rooms       RoomCounts        `json:"rooms"`
	Directory   *DirectoryCounts  `json:"directory,omitempty"`
	Node        string            `json:"node,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
	Timestamp   string            `json:"timestamp"`
}

// DirectoryCounts counts the agents and sessions the ownership directory knows.
type DirectoryCounts struct {
	Agents   int `json:"agents"`
	Sessions int `json:"sessions"`
}

// RoomCounts counts live rooms per family.
type RoomCounts struct {
	Workspace int `json:"workspace"`
	Agent     int `json:"agent"`
	Session   int `json:"session"`
}

// Health reports liveness, connection counts and the state of each check.
// It answers 503 when any check fails.
func (h *HealthHandler) Health(c *gin.Context) {
	stats := h.stats.Stats()
	resp := HealthResponse{
		Status:      "healthy",
		Healthy:     true,
		Connections: stats.Connections,
		Rooms: RoomCounts{
			Workspace: stats.Rooms[protocol.RoomFamilyWorkspace],
			Agent:     stats.Rooms[protocol.RoomFamilyAgent],
			Session:   stats.Rooms[protocol.RoomFamilySession],
		},
		Node:      h.node,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.directory != nil {
		agents, sessions := h.directory.Counts()
		resp.Directory = &DirectoryCounts{Agents: agents, Sessions: sessions}
	}

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		resp.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Healthy = false
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !resp.Healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
