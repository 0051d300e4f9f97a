package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/internal/tenancy"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

func newTestRooms(dir Directory) *RoomManager {
	return NewRoomManager(protocol.NewClock(), dir, zerolog.Nop())
}

// mockClient creates a registered client without a socket.
func mockClient(t *testing.T, rooms *RoomManager, workspaceID, userID string) *Client {
	t.Helper()
	c := NewClient(nil, 64)
	c.SetIdentity(&model.Identity{UserID: userID, WorkspaceID: workspaceID, Role: model.RoleMember})
	require.NoError(t, rooms.Register(c))
	return c
}

// pending returns every frame queued for c without blocking.
func pending(t *testing.T, c *Client) []protocol.Frame {
	t.Helper()
	var frames []protocol.Frame
	for {
		select {
		case data, ok := <-c.SendChan():
			if !ok {
				return frames
			}
			var f protocol.Frame
			require.NoError(t, json.Unmarshal(data, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func framesOfType(frames []protocol.Frame, typ protocol.FrameType) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func statusEnvelope(workspaceID, agentID string) *protocol.Envelope {
	return &protocol.Envelope{
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Timestamp:   1,
		Data:        &protocol.AgentStatusUpdate{Status: protocol.AgentStatusBusy},
	}
}

func TestRegisterRequiresIdentity(t *testing.T) {
	rooms := newTestRooms(nil)
	c := NewClient(nil, 8)

	assert.ErrorIs(t, rooms.Register(c), model.ErrAuthenticationFailed)
	assert.Equal(t, 0, rooms.Stats().Connections)
}

func TestJoinAgentRoomAlsoJoinsWorkspaceRoom(t *testing.T) {
	rooms := newTestRooms(nil)
	c := mockClient(t, rooms, "7", "u-1")

	ack, err := rooms.JoinAgentRoom(c, "42", "7")
	require.NoError(t, err)
	assert.Equal(t, "agent:42", ack.RoomID)
	assert.Equal(t, "workspace:7", ack.WorkspaceRoomID)
	assert.Equal(t, "42", ack.AgentID)

	assert.True(t, rooms.IsMember(c, protocol.AgentRoom("7", "42")))
	assert.True(t, rooms.IsMember(c, protocol.WorkspaceRoom("7")))

	stats := rooms.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Rooms[protocol.RoomFamilyAgent])
	assert.Equal(t, 1, stats.Rooms[protocol.RoomFamilyWorkspace])
}

func TestJoinSessionRoomJoinsThreeRooms(t *testing.T) {
	rooms := newTestRooms(nil)
	c := mockClient(t, rooms, "7", "u-1")

	ack, err := rooms.JoinSessionRoom(c, "s-1", "42", "7")
	require.NoError(t, err)
	assert.Equal(t, "session:s-1", ack.RoomID)
	assert.Equal(t, "agent:42", ack.AgentRoomID)
	assert.Len(t, rooms.Rooms(c), 3)
}

func TestJoinValidation(t *testing.T) {
	dir := tenancy.NewDirectory()
	dir.RegisterAgent("42", "7")
	dir.RegisterAgent("99", "8")
	dir.RegisterSession(model.SessionOwnership{SessionID: "s-1", AgentID: "42", WorkspaceID: "7"})

	rooms := newTestRooms(dir)
	member := mockClient(t, rooms, "7", "u-1")
	anonymous := NewClient(nil, 8)

	tests := []struct {
		name   string
		join   func() error
		reason string
	}{
		{"not authenticated", func() error {
			_, err := rooms.JoinAgentRoom(anonymous, "42", "7")
			return err
		}, protocol.ReasonNotAuthenticated},
		{"missing agent id", func() error {
			_, err := rooms.JoinAgentRoom(member, "", "7")
			return err
		}, protocol.ReasonInvalidRequest},
		{"missing workspace id", func() error {
			_, err := rooms.JoinWorkspaceRoom(member, "")
			return err
		}, protocol.ReasonInvalidRequest},
		{"other workspace", func() error {
			_, err := rooms.JoinAgentRoom(member, "42", "8")
			return err
		}, protocol.ReasonWorkspaceMismatch},
		{"agent of other workspace", func() error {
			_, err := rooms.JoinAgentRoom(member, "99", "7")
			return err
		}, protocol.ReasonAgentNotInWorkspace},
		{"session of other agent", func() error {
			_, err := rooms.JoinSessionRoom(member, "s-1", "43", "7")
			return err
		}, protocol.ReasonSessionNotInAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.join()
			var joinErr *JoinError
			require.ErrorAs(t, err, &joinErr)
			assert.Equal(t, tt.reason, joinErr.Reason)
		})
	}

	assert.Empty(t, rooms.Rooms(member), "rejected joins must not add membership")
}

func TestLeaveIsIdempotent(t *testing.T) {
	rooms := newTestRooms(nil)
	c := mockClient(t, rooms, "7", "u-1")

	ack := rooms.LeaveAgentRoom(c, "42", "7")
	assert.Equal(t, "agent:42", ack.RoomID)

	_, err := rooms.JoinAgentRoom(c, "42", "7")
	require.NoError(t, err)

	rooms.LeaveAgentRoom(c, "42", "7")
	rooms.LeaveAgentRoom(c, "42", "7")
	assert.False(t, rooms.IsMember(c, protocol.AgentRoom("7", "42")))
	assert.True(t, rooms.IsMember(c, protocol.WorkspaceRoom("7")), "leaving the agent room keeps the workspace room")
}

func TestDeliverIsolatesWorkspaces(t *testing.T) {
	rooms := newTestRooms(nil)
	c7 := mockClient(t, rooms, "7", "u-1")
	c8 := mockClient(t, rooms, "8", "u-2")

	_, err := rooms.JoinAgentRoom(c7, "42", "7")
	require.NoError(t, err)
	_, err = rooms.JoinAgentRoom(c8, "42", "8")
	require.NoError(t, err)
	pending(t, c7)
	pending(t, c8)

	n, err := rooms.Deliver(statusEnvelope("7", "42"), "", protocol.AgentRoom("7", "42"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, pending(t, c7), 1)
	assert.Empty(t, pending(t, c8))
}

func TestDeliverRejectsForeignRoom(t *testing.T) {
	rooms := newTestRooms(nil)

	_, err := rooms.Deliver(statusEnvelope("7", "42"), "", protocol.AgentRoom("8", "42"))
	assert.ErrorIs(t, err, model.ErrWorkspaceMismatch)
}

func TestDeliverOneCopyPerConnection(t *testing.T) {
	rooms := newTestRooms(nil)
	agentWatcher := mockClient(t, rooms, "7", "u-1")
	dashboard := mockClient(t, rooms, "7", "u-2")
	outsider := mockClient(t, rooms, "7", "u-3")

	_, err := rooms.JoinAgentRoom(agentWatcher, "42", "7")
	require.NoError(t, err)
	_, err = rooms.JoinWorkspaceRoom(dashboard, "7")
	require.NoError(t, err)
	pending(t, agentWatcher)
	pending(t, dashboard)

	env := statusEnvelope("7", "42")
	n, err := rooms.Deliver(env, "", protocol.AgentRoom("7", "42"), protocol.WorkspaceRoom("7"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, c := range []*Client{agentWatcher, dashboard} {
		frames := pending(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.FrameType(protocol.KindAgentStatusUpdate), frames[0].Type)
	}
	assert.Empty(t, pending(t, outsider))
}

func TestPresenceAnnouncements(t *testing.T) {
	rooms := newTestRooms(nil)
	first := mockClient(t, rooms, "7", "u-1")
	second := mockClient(t, rooms, "7", "u-2")

	_, err := rooms.JoinSessionRoom(first, "s-1", "42", "7")
	require.NoError(t, err)
	assert.Empty(t, pending(t, first), "a joiner is not told about itself")

	_, err = rooms.JoinSessionRoom(second, "s-1", "42", "7")
	require.NoError(t, err)

	joined := framesOfType(pending(t, first), protocol.FrameType(protocol.KindUserJoined))
	assert.Len(t, joined, 3, "one user-joined per room")
	assert.Empty(t, pending(t, second))

	require.NoError(t, rooms.UpdatePresence(second, protocol.PresenceAway))
	updates := framesOfType(pending(t, first), protocol.FrameType(protocol.KindPresenceUpdate))
	assert.Len(t, updates, 3)
	pending(t, second)

	rooms.Unregister(second)
	left := framesOfType(pending(t, first), protocol.FrameType(protocol.KindUserLeft))
	require.Len(t, left, 3)

	var env protocol.Envelope
	require.NoError(t, left[0].Decode(&env))
	assert.Equal(t, "u-2", env.UserID)
	assert.True(t, second.IsClosed())
}

func TestJoinAckListsRoomMembers(t *testing.T) {
	rooms := newTestRooms(nil)
	first := mockClient(t, rooms, "7", "u-1")
	second := mockClient(t, rooms, "7", "u-2")

	ack, err := rooms.JoinSessionRoom(first, "s-1", "42", "7")
	require.NoError(t, err)
	require.Len(t, ack.Members, 1)
	assert.Equal(t, "u-1", ack.Members[0].UserID)

	ack, err = rooms.JoinSessionRoom(second, "s-1", "42", "7")
	require.NoError(t, err)
	var users []string
	for _, m := range ack.Members {
		users = append(users, m.UserID)
	}
	assert.ElementsMatch(t, []string{"u-1", "u-2"}, users)

	ack, err = rooms.JoinAgentRoom(mockClient(t, rooms, "7", "u-3"), "43", "7")
	require.NoError(t, err)
	require.Len(t, ack.Members, 1)
	assert.Equal(t, "u-3", ack.Members[0].UserID)

	ack, err = rooms.JoinWorkspaceRoom(mockClient(t, rooms, "7", "u-4"), "7")
	require.NoError(t, err)
	assert.Len(t, ack.Members, 4)
}

func TestUnregisterLogsConnectionLifetime(t *testing.T) {
	var buf bytes.Buffer
	rooms := NewRoomManager(protocol.NewClock(), nil, zerolog.New(&buf).Level(zerolog.DebugLevel))
	c := mockClient(t, rooms, "7", "u-1")
	_, err := rooms.JoinWorkspaceRoom(c, "7")
	require.NoError(t, err)

	rooms.Unregister(c)

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var e map[string]any
		require.NoError(t, json.Unmarshal(line, &e))
		if e["message"] == "connection unregistered" {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, c.ID(), entry["connection_id"])
	assert.Contains(t, entry, "connected_for")
	assert.Contains(t, entry, "idle_for")
	assert.Equal(t, float64(1), entry["rooms_left"])
}

func TestSecondConnectionOfSameUserIsNotAnnounced(t *testing.T) {
	rooms := newTestRooms(nil)
	watcher := mockClient(t, rooms, "7", "u-1")
	phone := mockClient(t, rooms, "7", "u-2")
	laptop := mockClient(t, rooms, "7", "u-2")

	_, err := rooms.JoinWorkspaceRoom(watcher, "7")
	require.NoError(t, err)
	_, err = rooms.JoinWorkspaceRoom(phone, "7")
	require.NoError(t, err)
	assert.Len(t, pending(t, watcher), 1)

	_, err = rooms.JoinWorkspaceRoom(laptop, "7")
	require.NoError(t, err)
	assert.Empty(t, pending(t, watcher))

	rooms.Unregister(phone)
	assert.Empty(t, pending(t, watcher), "u-2 is still connected from the laptop")

	rooms.Unregister(laptop)
	assert.Len(t, pending(t, watcher), 1)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	rooms := newTestRooms(nil)
	slow := NewClient(nil, 1)
	slow.SetIdentity(&model.Identity{UserID: "u-1", WorkspaceID: "7", Role: model.RoleMember})
	require.NoError(t, rooms.Register(slow))
	fast := mockClient(t, rooms, "7", "u-2")

	_, err := rooms.JoinWorkspaceRoom(slow, "7")
	require.NoError(t, err)
	_, err = rooms.JoinWorkspaceRoom(fast, "7")
	require.NoError(t, err)
	require.Len(t, slow.SendChan(), 1, "user-joined fills the single slot")

	n, err := rooms.Deliver(statusEnvelope("7", "42"), "", protocol.WorkspaceRoom("7"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, slow.IsClosed())
	assert.Equal(t, 1, rooms.Stats().Connections)
	assert.Equal(t, 1, rooms.MemberCount(protocol.WorkspaceRoom("7")))

	frames := pending(t, fast)
	assert.Len(t, framesOfType(frames, protocol.FrameType(protocol.KindAgentStatusUpdate)), 1)
	assert.Len(t, framesOfType(frames, protocol.FrameType(protocol.KindUserLeft)), 1)
}

type fakeRecorder struct {
	mu    sync.Mutex
	rooms []string
}

func (f *fakeRecorder) Record(room protocol.Room, env *protocol.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, room.Key()+"#"+string(env.Type()))
}

func TestDeliverRecordsSessionRooms(t *testing.T) {
	rooms := newTestRooms(nil)
	rec := &fakeRecorder{}
	rooms.SetRecorder(rec)

	session := protocol.SessionRoom("7", "s-1")
	_, err := rooms.Deliver(&protocol.Envelope{
		SessionID: "s-1", WorkspaceID: "7", Timestamp: 1,
		Data: &protocol.SessionStarted{Title: "hi"},
	}, "", session, protocol.AgentRoom("7", "42"), protocol.WorkspaceRoom("7"))
	require.NoError(t, err)

	_, err = rooms.Deliver(&protocol.Envelope{
		SessionID: "s-1", WorkspaceID: "7", Timestamp: 2,
		Data: &protocol.TypingIndicator{IsTyping: true},
	}, "", session)
	require.NoError(t, err)

	assert.Equal(t, []string{"7/session:s-1#session-started"}, rec.rooms)
}

type stampRecorder struct {
	mu    sync.Mutex
	stamp []int64
}

func (f *stampRecorder) Record(_ protocol.Room, env *protocol.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamp = append(f.stamp, env.Timestamp)
}

func TestDeliverKeepsTimestampsInDeliveryOrder(t *testing.T) {
	epoch := protocol.NewClockAt(func() time.Time { return time.UnixMilli(0) })
	rooms := NewRoomManager(epoch, nil, zerolog.Nop())
	rec := &stampRecorder{}
	rooms.SetRecorder(rec)
	c := mockClient(t, rooms, "7", "u-1")
	_, err := rooms.JoinSessionRoom(c, "s-1", "42", "7")
	require.NoError(t, err)
	pending(t, c)

	session := protocol.SessionRoom("7", "s-1")
	// stamped 11 and 10 by racing broadcasters, delivered in that order
	for _, ts := range []int64{11, 10} {
		_, err := rooms.Deliver(&protocol.Envelope{
			SessionID: "s-1", WorkspaceID: "7", Timestamp: ts,
			Data: &protocol.MessageChunk{MessageID: "m-1"},
		}, "", session)
		require.NoError(t, err)
	}

	var got []int64
	for _, f := range pending(t, c) {
		var env protocol.Envelope
		require.NoError(t, f.Decode(&env))
		got = append(got, env.Timestamp)
	}
	assert.Equal(t, []int64{11, 12}, got)
	assert.Equal(t, []int64{11, 12}, rec.stamp)
}

func TestSendToUser(t *testing.T) {
	rooms := newTestRooms(nil)
	target := mockClient(t, rooms, "7", "u-1")
	sameNameOtherWorkspace := mockClient(t, rooms, "8", "u-1")

	n, err := rooms.SendToUser(&protocol.Envelope{
		WorkspaceID: "7", Timestamp: 1,
		Data: &protocol.WorkspaceMessage{MessageID: "m-1", Content: "hi", RecipientID: "u-1"},
	}, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pending(t, target), 1)
	assert.Empty(t, pending(t, sameNameOtherWorkspace))
}

func TestCloseClosesAllClients(t *testing.T) {
	rooms := newTestRooms(nil)
	a := mockClient(t, rooms, "7", "u-1")
	b := mockClient(t, rooms, "8", "u-2")

	rooms.Close()

	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
	assert.Equal(t, 0, rooms.Stats().Connections)
}

// **Property: fan-out reaches exactly the members of the target workspace**
// For any set of connections spread over two workspaces that all join the
// same agent id, delivering to the agent room of one workspace reaches every
// connection of that workspace and none of the other.
func TestFanOutIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("delivery is complete and isolated", prop.ForAll(
		func(inA, inB int, agentID string) bool {
			rooms := newTestRooms(nil)
			var a, b []*Client
			for i := 0; i < inA; i++ {
				a = append(a, mockClient(t, rooms, "A", fmt.Sprintf("a-%d", i)))
			}
			for i := 0; i < inB; i++ {
				b = append(b, mockClient(t, rooms, "B", fmt.Sprintf("b-%d", i)))
			}
			for _, c := range a {
				if _, err := rooms.JoinAgentRoom(c, agentID, "A"); err != nil {
					return false
				}
			}
			for _, c := range b {
				if _, err := rooms.JoinAgentRoom(c, agentID, "B"); err != nil {
					return false
				}
			}
			for _, c := range append(a, b...) {
				pending(t, c)
			}

			n, err := rooms.Deliver(statusEnvelope("A", agentID), "", protocol.AgentRoom("A", agentID))
			if err != nil || n != inA {
				return false
			}
			for _, c := range a {
				if len(pending(t, c)) != 1 {
					return false
				}
			}
			for _, c := range b {
				if len(pending(t, c)) != 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 6),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
