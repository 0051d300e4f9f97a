// Package broadcast turns domain state changes into envelopes and hands them
// to fan-out.
//
// Each method builds exactly one envelope kind, stamps it with the service
// clock and resolves the rooms that are entitled to see it:
//
//	agent lifecycle, status, performance   agent room + workspace room
//	session started, ended, status         session + agent + workspace rooms
//	session analytics                      session room + workspace room
//	messages, chunks, typing, tool calls   session room
//	workspace messages                     workspace room, or the recipient
package broadcast

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/metrics"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// Fanout delivers envelopes to the members of rooms. The local room manager
// and the cluster relay both implement it.
type Fanout interface {
	Publish(ctx context.Context, env *protocol.Envelope, exclude string, rooms ...protocol.Room) error
	PublishToUser(ctx context.Context, env *protocol.Envelope, userID string) error
}

// SessionRef names a session together with its owners.
type SessionRef struct {
	WorkspaceID string
	AgentID     string
	SessionID   string
}

// Option adjusts an envelope before it is published.
type Option func(*protocol.Envelope)

// WithMetadata attaches free-form metadata to the envelope. A nil or empty
// map leaves the envelope unchanged.
func WithMetadata(md map[string]any) Option {
	return func(env *protocol.Envelope) {
		if len(md) > 0 {
			env.Metadata = md
		}
	}
}

func apply(env *protocol.Envelope, opts []Option) *protocol.Envelope {
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// Service builds and publishes envelopes.
type Service struct {
	fanout Fanout
	clock  *protocol.Clock
	logger zerolog.Logger
}

// NewService creates a broadcast service.
func NewService(fanout Fanout, clock *protocol.Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = protocol.NewClock()
	}
	return &Service{
		fanout: fanout,
		clock:  clock,
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s is required", model.ErrInvalidRequest, pairs[i])
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, env *protocol.Envelope, rooms ...protocol.Room) error {
	env.Timestamp = s.clock.Next()
	if err := s.fanout.Publish(ctx, env, "", rooms...); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type(), err)
	}
	metrics.EventsBroadcast.WithLabelValues(string(env.Type())).Inc()
	s.logger.Debug().
		Str("type", string(env.Type())).
		Str("workspace_id", env.WorkspaceID).
		Int("rooms", len(rooms)).
		Msg("event broadcast")
	return nil
}

// Agent events

func (s *Service) agentEvent(ctx context.Context, workspaceID, agentID string, payload protocol.Payload, opts []Option) error {
	if err := required("workspace id", workspaceID, "agent id", agentID); err != nil {
		return err
	}
	env := apply(&protocol.Envelope{AgentID: agentID, WorkspaceID: workspaceID, Data: payload}, opts)
	return s.publish(ctx, env, protocol.AgentRoom(workspaceID, agentID), protocol.WorkspaceRoom(workspaceID))
}

// AgentCreated announces a new agent.
func (s *Service) AgentCreated(ctx context.Context, workspaceID, agentID string, p protocol.AgentCreated, opts ...Option) error {
	return s.agentEvent(ctx, workspaceID, agentID, &p, opts)
}

// AgentUpdated announces changed agent settings.
func (s *Service) AgentUpdated(ctx context.Context, workspaceID, agentID string, p protocol.AgentUpdated, opts ...Option) error {
	return s.agentEvent(ctx, workspaceID, agentID, &p, opts)
}

// AgentDeleted announces a removed agent.
func (s *Service) AgentDeleted(ctx context.Context, workspaceID, agentID, reason string, opts ...Option) error {
	return s.agentEvent(ctx, workspaceID, agentID, &protocol.AgentDeleted{Reason: reason}, opts)
}

// AgentStatusChanged announces an agent status transition.
func (s *Service) AgentStatusChanged(ctx context.Context, workspaceID, agentID string, status, previous protocol.AgentStatus, opts ...Option) error {
	if !status.Valid() {
		return fmt.Errorf("%w: agent status %q", model.ErrInvalidRequest, status)
	}
	if previous != "" && !previous.Valid() {
		return fmt.Errorf("%w: previous agent status %q", model.ErrInvalidRequest, previous)
	}
	return s.agentEvent(ctx, workspaceID, agentID, &protocol.AgentStatusUpdate{Status: status, PreviousStatus: previous}, opts)
}

// AgentPerformanceUpdated announces fresh agent performance counters.
func (s *Service) AgentPerformanceUpdated(ctx context.Context, workspaceID, agentID string, p protocol.AgentPerformanceUpdate, opts ...Option) error {
	return s.agentEvent(ctx, workspaceID, agentID, &p, opts)
}

// Session events

func (s *Service) sessionLifecycle(ctx context.Context, ref SessionRef, payload protocol.Payload, opts []Option) error {
	if err := required("workspace id", ref.WorkspaceID, "agent id", ref.AgentID, "session id", ref.SessionID); err != nil {
		return err
	}
	env := apply(&protocol.Envelope{AgentID: ref.AgentID, SessionID: ref.SessionID, WorkspaceID: ref.WorkspaceID, Data: payload}, opts)
	return s.publish(ctx, env,
		protocol.SessionRoom(ref.WorkspaceID, ref.SessionID),
		protocol.AgentRoom(ref.WorkspaceID, ref.AgentID),
		protocol.WorkspaceRoom(ref.WorkspaceID),
	)
}

// SessionStarted announces a new conversation.
func (s *Service) SessionStarted(ctx context.Context, ref SessionRef, p protocol.SessionStarted, opts ...Option) error {
	return s.sessionLifecycle(ctx, ref, &p, opts)
}

// SessionEnded announces a finished conversation.
func (s *Service) SessionEnded(ctx context.Context, ref SessionRef, p protocol.SessionEnded, opts ...Option) error {
	return s.sessionLifecycle(ctx, ref, &p, opts)
}

// SessionStatusChanged announces a conversation status transition.
func (s *Service) SessionStatusChanged(ctx context.Context, ref SessionRef, status, previous protocol.SessionStatus, opts ...Option) error {
	if status == "" {
		return fmt.Errorf("%w: session status is required", model.ErrInvalidRequest)
	}
	return s.sessionLifecycle(ctx, ref, &protocol.SessionStatusChanged{Status: status, PreviousStatus: previous}, opts)
}

// SessionAnalytics publishes a conversation summary to the session and its
// workspace.
func (s *Service) SessionAnalytics(ctx context.Context, ref SessionRef, snapshot protocol.SessionAnalyticsSnapshot, opts ...Option) error {
	if err := required("workspace id", ref.WorkspaceID, "session id", ref.SessionID); err != nil {
		return err
	}
	env := apply(&protocol.Envelope{
		AgentID:     ref.AgentID,
		SessionID:   ref.SessionID,
		WorkspaceID: ref.WorkspaceID,
		Data:        &protocol.SessionAnalytics{SessionAnalyticsSnapshot: snapshot},
	}, opts)
	return s.publish(ctx, env, protocol.SessionRoom(ref.WorkspaceID, ref.SessionID), protocol.WorkspaceRoom(ref.WorkspaceID))
}

// Session room events

func (s *Service) sessionEvent(ctx context.Context, ref SessionRef, userID string, payload protocol.Payload, opts []Option) error {
	if err := required("workspace id", ref.WorkspaceID, "session id", ref.SessionID); err != nil {
		return err
	}
	env := apply(&protocol.Envelope{
		AgentID:     ref.AgentID,
		SessionID:   ref.SessionID,
		WorkspaceID: ref.WorkspaceID,
		UserID:      userID,
		Data:        payload,
	}, opts)
	return s.publish(ctx, env, protocol.SessionRoom(ref.WorkspaceID, ref.SessionID))
}

func validMessage(body protocol.MessageBody) error {
	if body.MessageID == "" {
		return fmt.Errorf("%w: message id is required", model.ErrInvalidRequest)
	}
	switch body.MessageType {
	case protocol.MessageTypeUser, protocol.MessageTypeAssistant:
		return nil
	}
	return fmt.Errorf("%w: message type %q", model.ErrInvalidRequest, body.MessageType)
}

// MessageSent publishes a message the agent sent.
func (s *Service) MessageSent(ctx context.Context, ref SessionRef, body protocol.MessageBody, opts ...Option) error {
	if err := validMessage(body); err != nil {
		return err
	}
	return s.sessionEvent(ctx, ref, "", &protocol.MessageSent{MessageBody: body}, opts)
}

// MessageReceived publishes a message the agent received.
func (s *Service) MessageReceived(ctx context.Context, ref SessionRef, body protocol.MessageBody, opts ...Option) error {
	if err := validMessage(body); err != nil {
		return err
	}
	return s.sessionEvent(ctx, ref, "", &protocol.MessageReceived{MessageBody: body}, opts)
}

// MessageChunk publishes one increment of a streamed message.
func (s *Service) MessageChunk(ctx context.Context, ref SessionRef, chunk protocol.MessageChunk, opts ...Option) error {
	if chunk.MessageID == "" {
		return fmt.Errorf("%w: message id is required", model.ErrInvalidRequest)
	}
	if chunk.Index < 0 {
		return fmt.Errorf("%w: chunk index %d", model.ErrInvalidRequest, chunk.Index)
	}
	return s.sessionEvent(ctx, ref, "", &chunk, opts)
}

// TypingIndicator publishes that userID (or the agent, when userID is
// empty) started or stopped typing.
func (s *Service) TypingIndicator(ctx context.Context, ref SessionRef, userID string, isTyping bool, opts ...Option) error {
	return s.sessionEvent(ctx, ref, userID, &protocol.TypingIndicator{IsTyping: isTyping}, opts)
}

// Tool call events

func validToolCall(id, name string) error {
	return required("tool call id", id, "tool name", name)
}

// ToolCallStarted publishes that the agent invoked a tool.
func (s *Service) ToolCallStarted(ctx context.Context, ref SessionRef, p protocol.ToolCallStarted, opts ...Option) error {
	if err := validToolCall(p.ToolCallID, p.ToolName); err != nil {
		return err
	}
	return s.sessionEvent(ctx, ref, "", &p, opts)
}

// ToolCallCompleted publishes a tool result.
func (s *Service) ToolCallCompleted(ctx context.Context, ref SessionRef, p protocol.ToolCallCompleted, opts ...Option) error {
	if err := validToolCall(p.ToolCallID, p.ToolName); err != nil {
		return err
	}
	return s.sessionEvent(ctx, ref, "", &p, opts)
}

// ToolCallFailed publishes a tool failure.
func (s *Service) ToolCallFailed(ctx context.Context, ref SessionRef, p protocol.ToolCallFailed, opts ...Option) error {
	if err := validToolCall(p.ToolCallID, p.ToolName); err != nil {
		return err
	}
	if p.Error.Code == "" {
		p.Error.Code = "tool_error"
	}
	return s.sessionEvent(ctx, ref, "", &p, opts)
}

// Client originated events

// WorkspaceMessage publishes a chat message posted by a connection. A
// message with a recipient is sent to the recipient's connections only.
func (s *Service) WorkspaceMessage(ctx context.Context, from *model.Identity, req protocol.SendWorkspaceMessageRequest) (*protocol.Envelope, error) {
	if from == nil {
		return nil, model.ErrAuthenticationFailed
	}
	if err := required("workspace id", req.WorkspaceID, "content", req.Content); err != nil {
		return nil, err
	}
	if !from.CanAccessWorkspace(req.WorkspaceID) {
		return nil, model.ErrWorkspaceMismatch
	}

	env := &protocol.Envelope{
		AgentID:     from.AgentID,
		WorkspaceID: req.WorkspaceID,
		UserID:      from.UserID,
		Timestamp:   s.clock.Next(),
		Data: &protocol.WorkspaceMessage{
			MessageID:   ulid.Make().String(),
			Content:     req.Content,
			ChannelID:   req.ChannelID,
			RecipientID: req.RecipientID,
			SenderName:  from.DisplayName,
		},
		Metadata: req.Metadata,
	}

	var err error
	if req.RecipientID != "" {
		err = s.fanout.PublishToUser(ctx, env, req.RecipientID)
	} else {
		err = s.fanout.Publish(ctx, env, "", protocol.WorkspaceRoom(req.WorkspaceID))
	}
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", env.Type(), err)
	}
	metrics.EventsBroadcast.WithLabelValues(string(env.Type())).Inc()
	return env, nil
}

// Typing publishes a typing indicator on behalf of a connection.
func (s *Service) Typing(ctx context.Context, from *model.Identity, sessionID string, isTyping bool) error {
	if from == nil {
		return model.ErrAuthenticationFailed
	}
	ref := SessionRef{WorkspaceID: from.WorkspaceID, AgentID: from.AgentID, SessionID: sessionID}
	return s.TypingIndicator(ctx, ref, from.UserID, isTyping)
}
