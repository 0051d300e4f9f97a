package hooks

import (
	"context"

	"github.com/agent-workspace/realtime/internal/broadcast"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// MessageHooks announces conversation messages.
type MessageHooks struct {
	*base
}

// OnMessageSent publishes a message the agent sent.
func (h *MessageHooks) OnMessageSent(ctx context.Context, ref broadcast.SessionRef, body protocol.MessageBody, opts ...broadcast.Option) {
	h.run(ctx, "message_sent", func(ctx context.Context) error {
		return h.svc.MessageSent(ctx, ref, body, opts...)
	})
}

// OnMessageReceived publishes a message the agent received.
func (h *MessageHooks) OnMessageReceived(ctx context.Context, ref broadcast.SessionRef, body protocol.MessageBody, opts ...broadcast.Option) {
	h.run(ctx, "message_received", func(ctx context.Context) error {
		return h.svc.MessageReceived(ctx, ref, body, opts...)
	})
}

// OnMessageChunk publishes one increment of a streamed reply.
func (h *MessageHooks) OnMessageChunk(ctx context.Context, ref broadcast.SessionRef, chunk protocol.MessageChunk, opts ...broadcast.Option) {
	h.run(ctx, "message_chunk", func(ctx context.Context) error {
		return h.svc.MessageChunk(ctx, ref, chunk, opts...)
	})
}

// OnTyping publishes that userID, or the agent when userID is empty, is
// typing.
func (h *MessageHooks) OnTyping(ctx context.Context, ref broadcast.SessionRef, userID string, isTyping bool, opts ...broadcast.Option) {
	h.run(ctx, "typing", func(ctx context.Context) error {
		return h.svc.TypingIndicator(ctx, ref, userID, isTyping, opts...)
	})
}
