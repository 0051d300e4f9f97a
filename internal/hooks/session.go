package hooks

import (
	"context"

	"github.com/agent-workspace/realtime/internal/broadcast"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// SessionHooks announces conversation lifecycle changes.
type SessionHooks struct {
	*base
}

// OnSessionStarted registers the session with its agent and announces it.
func (h *SessionHooks) OnSessionStarted(ctx context.Context, ref broadcast.SessionRef, p protocol.SessionStarted, opts ...broadcast.Option) {
	h.save(ctx, "session_started", ref, protocol.SessionStatusActive)
	h.run(ctx, "session_started", func(ctx context.Context) error {
		return h.svc.SessionStarted(ctx, ref, p, opts...)
	})
}

// OnSessionEnded announces the end of a conversation. The session is
// dropped from the directory; its room stays reachable within the workspace.
func (h *SessionHooks) OnSessionEnded(ctx context.Context, ref broadcast.SessionRef, p protocol.SessionEnded, opts ...broadcast.Option) {
	h.run(ctx, "session_ended", func(ctx context.Context) error {
		return h.svc.SessionEnded(ctx, ref, p, opts...)
	})
	if ref.SessionID == "" {
		return
	}
	h.directory.RemoveSession(ref.SessionID)
	if ref.AgentID != "" && ref.WorkspaceID != "" {
		h.mirror(ctx, "session_ended", func(ctx context.Context, s Store) error {
			return s.SaveSession(ctx, ownership(ref), string(protocol.SessionStatusEnded))
		})
	}
}

// OnSessionStatusChanged announces a conversation status transition.
func (h *SessionHooks) OnSessionStatusChanged(ctx context.Context, ref broadcast.SessionRef, status, previous protocol.SessionStatus, opts ...broadcast.Option) {
	if status != protocol.SessionStatusEnded {
		h.save(ctx, "session_status", ref, status)
	}
	h.run(ctx, "session_status", func(ctx context.Context) error {
		return h.svc.SessionStatusChanged(ctx, ref, status, previous, opts...)
	})
}

// OnSessionAnalyticsUpdated publishes a conversation summary.
func (h *SessionHooks) OnSessionAnalyticsUpdated(ctx context.Context, ref broadcast.SessionRef, snapshot protocol.SessionAnalyticsSnapshot, opts ...broadcast.Option) {
	h.run(ctx, "session_analytics", func(ctx context.Context) error {
		return h.svc.SessionAnalytics(ctx, ref, snapshot, opts...)
	})
}

func (h *SessionHooks) save(ctx context.Context, hook string, ref broadcast.SessionRef, status protocol.SessionStatus) {
	if ref.WorkspaceID == "" || ref.AgentID == "" || ref.SessionID == "" {
		return
	}
	h.directory.RegisterSession(ownership(ref))
	h.mirror(ctx, hook, func(ctx context.Context, s Store) error {
		return s.SaveSession(ctx, ownership(ref), string(status))
	})
}

func ownership(ref broadcast.SessionRef) model.SessionOwnership {
	return model.SessionOwnership{SessionID: ref.SessionID, AgentID: ref.AgentID, WorkspaceID: ref.WorkspaceID}
}
