package hooks

import (
	"context"

	"github.com/agent-workspace/realtime/internal/broadcast"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// AgentHooks announces agent lifecycle changes.
type AgentHooks struct {
	*base
}

// OnAgentCreated registers the agent with its workspace and announces it.
func (h *AgentHooks) OnAgentCreated(ctx context.Context, workspaceID, agentID string, p protocol.AgentCreated, opts ...broadcast.Option) {
	h.register(ctx, "agent_created", workspaceID, agentID, p.Name, string(p.Status))
	h.run(ctx, "agent_created", func(ctx context.Context) error {
		return h.svc.AgentCreated(ctx, workspaceID, agentID, p, opts...)
	})
}

// OnAgentUpdated announces changed agent settings.
func (h *AgentHooks) OnAgentUpdated(ctx context.Context, workspaceID, agentID string, p protocol.AgentUpdated, opts ...broadcast.Option) {
	h.register(ctx, "agent_updated", workspaceID, agentID, p.Name, "")
	h.run(ctx, "agent_updated", func(ctx context.Context) error {
		return h.svc.AgentUpdated(ctx, workspaceID, agentID, p, opts...)
	})
}

// OnAgentDeleted announces the removal and forgets the agent and its
// sessions.
func (h *AgentHooks) OnAgentDeleted(ctx context.Context, workspaceID, agentID, reason string, opts ...broadcast.Option) {
	h.run(ctx, "agent_deleted", func(ctx context.Context) error {
		return h.svc.AgentDeleted(ctx, workspaceID, agentID, reason, opts...)
	})
	if agentID == "" {
		return
	}
	h.directory.RemoveAgent(agentID)
	h.mirror(ctx, "agent_deleted", func(ctx context.Context, s Store) error {
		return s.DeleteAgent(ctx, agentID)
	})
}

// OnAgentStatusChanged announces a status transition.
func (h *AgentHooks) OnAgentStatusChanged(ctx context.Context, workspaceID, agentID string, status, previous protocol.AgentStatus, opts ...broadcast.Option) {
	if status.Valid() {
		h.register(ctx, "agent_status", workspaceID, agentID, "", string(status))
	}
	h.run(ctx, "agent_status", func(ctx context.Context) error {
		return h.svc.AgentStatusChanged(ctx, workspaceID, agentID, status, previous, opts...)
	})
}

// OnAgentPerformanceUpdated announces fresh performance counters.
func (h *AgentHooks) OnAgentPerformanceUpdated(ctx context.Context, workspaceID, agentID string, p protocol.AgentPerformanceUpdate, opts ...broadcast.Option) {
	h.run(ctx, "agent_performance", func(ctx context.Context) error {
		return h.svc.AgentPerformanceUpdated(ctx, workspaceID, agentID, p, opts...)
	})
}

func (h *AgentHooks) register(ctx context.Context, hook, workspaceID, agentID, name, status string) {
	if workspaceID == "" || agentID == "" {
		return
	}
	h.directory.RegisterAgent(agentID, workspaceID)
	h.mirror(ctx, hook, func(ctx context.Context, s Store) error {
		return s.SaveAgent(ctx, model.AgentOwnership{AgentID: agentID, WorkspaceID: workspaceID}, name, status)
	})
}
