package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/internal/ws"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

type published struct {
	env   *protocol.Envelope
	rooms []string
	user  string
}

type recordingFanout struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *recordingFanout) Publish(_ context.Context, env *protocol.Envelope, _ string, rooms ...protocol.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	p := published{env: env}
	for _, r := range rooms {
		p.rooms = append(p.rooms, r.Key())
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *recordingFanout) PublishToUser(_ context.Context, env *protocol.Envelope, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{env: env, user: userID})
	return nil
}

func (f *recordingFanout) last(t *testing.T) published {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

func newTestService() (*Service, *recordingFanout) {
	fanout := &recordingFanout{}
	clock := protocol.NewClockAt(func() time.Time { return time.UnixMilli(1000) })
	return NewService(fanout, clock, zerolog.Nop()), fanout
}

var testRef = SessionRef{WorkspaceID: "7", AgentID: "42", SessionID: "s-1"}

func TestRoomResolution(t *testing.T) {
	ctx := context.Background()

	agentRooms := []string{"7/agent:42", "7/workspace:7"}
	lifecycleRooms := []string{"7/session:s-1", "7/agent:42", "7/workspace:7"}
	sessionRoom := []string{"7/session:s-1"}

	tests := []struct {
		name  string
		call  func(s *Service) error
		kind  protocol.Kind
		rooms []string
	}{
		{"agent created", func(s *Service) error {
			return s.AgentCreated(ctx, "7", "42", protocol.AgentCreated{Name: "Support"})
		}, protocol.KindAgentCreated, agentRooms},
		{"agent updated", func(s *Service) error {
			return s.AgentUpdated(ctx, "7", "42", protocol.AgentUpdated{Name: "Sales"})
		}, protocol.KindAgentUpdated, agentRooms},
		{"agent deleted", func(s *Service) error {
			return s.AgentDeleted(ctx, "7", "42", "retired")
		}, protocol.KindAgentDeleted, agentRooms},
		{"agent status", func(s *Service) error {
			return s.AgentStatusChanged(ctx, "7", "42", protocol.AgentStatusBusy, protocol.AgentStatusOnline)
		}, protocol.KindAgentStatusUpdate, agentRooms},
		{"agent performance", func(s *Service) error {
			return s.AgentPerformanceUpdated(ctx, "7", "42", protocol.AgentPerformanceUpdate{ActiveSessions: 3})
		}, protocol.KindAgentPerformanceUpdate, agentRooms},
		{"session started", func(s *Service) error {
			return s.SessionStarted(ctx, testRef, protocol.SessionStarted{Title: "Refund"})
		}, protocol.KindSessionStarted, lifecycleRooms},
		{"session ended", func(s *Service) error {
			return s.SessionEnded(ctx, testRef, protocol.SessionEnded{Reason: "resolved"})
		}, protocol.KindSessionEnded, lifecycleRooms},
		{"session status", func(s *Service) error {
			return s.SessionStatusChanged(ctx, testRef, protocol.SessionStatusPaused, protocol.SessionStatusActive)
		}, protocol.KindSessionStatusChanged, lifecycleRooms},
		{"session analytics", func(s *Service) error {
			return s.SessionAnalytics(ctx, testRef, protocol.SessionAnalyticsSnapshot{MessageCount: 4})
		}, protocol.KindSessionAnalytics, []string{"7/session:s-1", "7/workspace:7"}},
		{"message sent", func(s *Service) error {
			return s.MessageSent(ctx, testRef, protocol.MessageBody{MessageID: "m-1", Content: "hi", MessageType: protocol.MessageTypeAssistant})
		}, protocol.KindMessageSent, sessionRoom},
		{"message received", func(s *Service) error {
			return s.MessageReceived(ctx, testRef, protocol.MessageBody{MessageID: "m-2", Content: "hello", MessageType: protocol.MessageTypeUser})
		}, protocol.KindMessageReceived, sessionRoom},
		{"message chunk", func(s *Service) error {
			return s.MessageChunk(ctx, testRef, protocol.MessageChunk{MessageID: "m-1", Index: 0, Delta: "h"})
		}, protocol.KindMessageChunk, sessionRoom},
		{"typing", func(s *Service) error {
			return s.TypingIndicator(ctx, testRef, "", true)
		}, protocol.KindTypingIndicator, sessionRoom},
		{"tool started", func(s *Service) error {
			return s.ToolCallStarted(ctx, testRef, protocol.ToolCallStarted{ToolCallID: "tc-1", ToolName: "lookup"})
		}, protocol.KindToolCallStarted, sessionRoom},
		{"tool completed", func(s *Service) error {
			return s.ToolCallCompleted(ctx, testRef, protocol.ToolCallCompleted{ToolCallID: "tc-1", ToolName: "lookup", ProcessingTimeMs: 12})
		}, protocol.KindToolCallCompleted, sessionRoom},
		{"tool failed", func(s *Service) error {
			return s.ToolCallFailed(ctx, testRef, protocol.ToolCallFailed{ToolCallID: "tc-1", ToolName: "lookup"})
		}, protocol.KindToolCallFailed, sessionRoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fanout := newTestService()
			require.NoError(t, tt.call(s))

			p := fanout.last(t)
			assert.Equal(t, tt.kind, p.env.Type())
			assert.Equal(t, tt.rooms, p.rooms)
			assert.Equal(t, "7", p.env.WorkspaceID)
			assert.Equal(t, int64(1000), p.env.Timestamp)
		})
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	s, fanout := newTestService()

	errs := []error{
		s.AgentCreated(ctx, "", "42", protocol.AgentCreated{}),
		s.AgentCreated(ctx, "7", "", protocol.AgentCreated{}),
		s.AgentStatusChanged(ctx, "7", "42", "SLEEPING", ""),
		s.SessionStarted(ctx, SessionRef{WorkspaceID: "7", SessionID: "s-1"}, protocol.SessionStarted{}),
		s.SessionStatusChanged(ctx, testRef, "", ""),
		s.MessageSent(ctx, testRef, protocol.MessageBody{Content: "no id", MessageType: protocol.MessageTypeUser}),
		s.MessageSent(ctx, testRef, protocol.MessageBody{MessageID: "m-1", MessageType: "robot"}),
		s.MessageChunk(ctx, testRef, protocol.MessageChunk{MessageID: "m-1", Index: -1}),
		s.ToolCallStarted(ctx, testRef, protocol.ToolCallStarted{ToolName: "lookup"}),
		s.TypingIndicator(ctx, SessionRef{WorkspaceID: "7"}, "u-1", true),
	}
	for i, err := range errs {
		assert.ErrorIs(t, err, model.ErrInvalidRequest, "case %d", i)
	}
	assert.Empty(t, fanout.sent)
}

func TestTimestampsIncrease(t *testing.T) {
	s, fanout := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.MessageChunk(ctx, testRef, protocol.MessageChunk{MessageID: "m-1", Index: i}))
	}
	require.Len(t, fanout.sent, 3)
	assert.Less(t, fanout.sent[0].env.Timestamp, fanout.sent[1].env.Timestamp)
	assert.Less(t, fanout.sent[1].env.Timestamp, fanout.sent[2].env.Timestamp)
}

func TestMetadataOption(t *testing.T) {
	s, fanout := newTestService()
	ctx := context.Background()
	md := map[string]any{"source": "crm", "priority": float64(2)}

	require.NoError(t, s.AgentCreated(ctx, "7", "42", protocol.AgentCreated{Name: "Support"}, WithMetadata(md)))
	assert.Equal(t, md, fanout.last(t).env.Metadata)

	require.NoError(t, s.SessionEnded(ctx, testRef, protocol.SessionEnded{}, WithMetadata(md)))
	assert.Equal(t, md, fanout.last(t).env.Metadata)

	require.NoError(t, s.SessionAnalytics(ctx, testRef, protocol.SessionAnalyticsSnapshot{}, WithMetadata(md)))
	assert.Equal(t, md, fanout.last(t).env.Metadata)

	require.NoError(t, s.ToolCallStarted(ctx, testRef, protocol.ToolCallStarted{ToolCallID: "tc", ToolName: "lookup"}, WithMetadata(md)))
	assert.Equal(t, md, fanout.last(t).env.Metadata)

	require.NoError(t, s.MessageChunk(ctx, testRef, protocol.MessageChunk{MessageID: "m-1"}, WithMetadata(nil)))
	assert.Nil(t, fanout.last(t).env.Metadata)
}

func TestFanoutErrorIsReturned(t *testing.T) {
	s, fanout := newTestService()
	fanout.err = errors.New("relay down")

	err := s.AgentDeleted(context.Background(), "7", "42", "")
	assert.ErrorContains(t, err, "relay down")
}

func TestWorkspaceMessage(t *testing.T) {
	s, fanout := newTestService()
	ctx := context.Background()
	from := &model.Identity{UserID: "u-1", WorkspaceID: "7", DisplayName: "Ada", Role: model.RoleMember}

	env, err := s.WorkspaceMessage(ctx, from, protocol.SendWorkspaceMessageRequest{WorkspaceID: "7", Content: "standup?"})
	require.NoError(t, err)
	msg, ok := env.Data.(*protocol.WorkspaceMessage)
	require.True(t, ok)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "Ada", msg.SenderName)
	assert.Equal(t, []string{"7/workspace:7"}, fanout.last(t).rooms)

	_, err = s.WorkspaceMessage(ctx, from, protocol.SendWorkspaceMessageRequest{WorkspaceID: "7", Content: "psst", RecipientID: "u-2"})
	require.NoError(t, err)
	assert.Equal(t, "u-2", fanout.last(t).user)

	_, err = s.WorkspaceMessage(ctx, from, protocol.SendWorkspaceMessageRequest{WorkspaceID: "8", Content: "hi"})
	assert.ErrorIs(t, err, model.ErrWorkspaceMismatch)

	_, err = s.WorkspaceMessage(ctx, from, protocol.SendWorkspaceMessageRequest{WorkspaceID: "7"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestTypingUsesSenderIdentity(t *testing.T) {
	s, fanout := newTestService()
	from := &model.Identity{UserID: "u-1", WorkspaceID: "7", Role: model.RoleMember}

	require.NoError(t, s.Typing(context.Background(), from, "s-1", true))

	p := fanout.last(t)
	assert.Equal(t, "u-1", p.env.UserID)
	assert.Equal(t, []string{"7/session:s-1"}, p.rooms)
}

// An agent status change reaches both the agent room and the workspace room,
// once per connection, and nothing outside the workspace.
func TestAgentStatusReachesAgentAndWorkspaceRooms(t *testing.T) {
	rooms := ws.NewRoomManager(nil, nil, zerolog.Nop())
	s := NewService(rooms, nil, zerolog.Nop())

	connect := func(workspaceID, userID string) *ws.Client {
		c := ws.NewClient(nil, 16)
		c.SetIdentity(&model.Identity{UserID: userID, WorkspaceID: workspaceID, Role: model.RoleMember})
		require.NoError(t, rooms.Register(c))
		return c
	}
	watcher := connect("7", "u-1")
	dashboard := connect("7", "u-2")
	other := connect("8", "u-3")

	_, err := rooms.JoinAgentRoom(watcher, "42", "7")
	require.NoError(t, err)
	_, err = rooms.JoinWorkspaceRoom(dashboard, "7")
	require.NoError(t, err)
	_, err = rooms.JoinAgentRoom(other, "42", "8")
	require.NoError(t, err)
	drain(watcher)
	drain(dashboard)
	drain(other)

	require.NoError(t, s.AgentStatusChanged(context.Background(), "7", "42", protocol.AgentStatusBusy, ""))

	assert.Equal(t, 1, drain(watcher))
	assert.Equal(t, 1, drain(dashboard))
	assert.Equal(t, 0, drain(other))
}

func drain(c *ws.Client) int {
	n := 0
	for {
		select {
		case _, ok := <-c.SendChan():
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
