package hooks

import (
	"context"

	"github.com/agent-workspace/realtime/internal/broadcast"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// ToolHooks announces tool call progress.
type ToolHooks struct {
	*base
}

// OnToolCallStarted publishes that the agent invoked a tool.
func (h *ToolHooks) OnToolCallStarted(ctx context.Context, ref broadcast.SessionRef, p protocol.ToolCallStarted, opts ...broadcast.Option) {
	h.run(ctx, "tool_call_started", func(ctx context.Context) error {
		return h.svc.ToolCallStarted(ctx, ref, p, opts...)
	})
}

// OnToolCallCompleted publishes a tool result.
func (h *ToolHooks) OnToolCallCompleted(ctx context.Context, ref broadcast.SessionRef, p protocol.ToolCallCompleted, opts ...broadcast.Option) {
	h.run(ctx, "tool_call_completed", func(ctx context.Context) error {
		return h.svc.ToolCallCompleted(ctx, ref, p, opts...)
	})
}

// OnToolCallFailed publishes a tool failure.
func (h *ToolHooks) OnToolCallFailed(ctx context.Context, ref broadcast.SessionRef, p protocol.ToolCallFailed, opts ...broadcast.Option) {
	h.run(ctx, "tool_call_failed", func(ctx context.Context) error {
		return h.svc.ToolCallFailed(ctx, ref, p, opts...)
	})
}
