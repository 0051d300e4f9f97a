package presence

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

func TestJoinAndLeave(t *testing.T) {
	tr := NewTracker()
	room := protocol.SessionRoom("7", "s-1")

	info, first := tr.Join(room, Member{UserID: "u-1", DisplayName: "Ada", ConnectionID: "c-1"})
	assert.True(t, first)
	assert.Equal(t, protocol.PresenceActive, info.Status)
	assert.Equal(t, "Ada", info.DisplayName)

	require.Len(t, tr.List(room), 1)

	info, left := tr.Leave(room, "c-1")
	assert.True(t, left)
	assert.Equal(t, "u-1", info.UserID)
	assert.Empty(t, tr.List(room))
}

func TestMultipleConnectionsAreOneMember(t *testing.T) {
	tr := NewTracker()
	room := protocol.AgentRoom("7", "42")

	_, first := tr.Join(room, Member{UserID: "u-1", ConnectionID: "c-1"})
	assert.True(t, first)
	_, first = tr.Join(room, Member{UserID: "u-1", ConnectionID: "c-2"})
	assert.False(t, first)

	members := tr.List(room)
	require.Len(t, members, 1)
	assert.Equal(t, "c-2", members[0].ConnectionID)

	_, left := tr.Leave(room, "c-2")
	assert.False(t, left, "u-1 still has c-1")
	members = tr.List(room)
	require.Len(t, members, 1)
	assert.Equal(t, "c-1", members[0].ConnectionID)

	_, left = tr.Leave(room, "c-1")
	assert.True(t, left)
}

func TestAnonymousConnectionsAreSeparateMembers(t *testing.T) {
	tr := NewTracker()
	room := protocol.SessionRoom("7", "s-1")

	tr.Join(room, Member{ConnectionID: "c-1"})
	tr.Join(room, Member{ConnectionID: "c-2"})
	assert.Len(t, tr.List(room), 2)
}

func TestLeaveIsIdempotent(t *testing.T) {
	tr := NewTracker()
	room := protocol.SessionRoom("7", "s-1")

	_, left := tr.Leave(room, "never-joined")
	assert.False(t, left)

	tr.Join(room, Member{UserID: "u-1", ConnectionID: "c-1"})
	_, left = tr.Leave(room, "c-1")
	assert.True(t, left)
	_, left = tr.Leave(room, "c-1")
	assert.False(t, left)
}

func TestLeaveAllAndUpdate(t *testing.T) {
	tr := NewTracker()
	ws := protocol.WorkspaceRoom("7")
	agent := protocol.AgentRoom("7", "42")

	tr.Join(ws, Member{UserID: "u-1", ConnectionID: "c-1"})
	tr.Join(agent, Member{UserID: "u-1", ConnectionID: "c-1"})
	tr.Join(agent, Member{UserID: "u-2", ConnectionID: "c-2"})

	changes := tr.Update("c-1", protocol.PresenceAway)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, protocol.PresenceAway, c.Presence.Status)
	}

	changes = tr.LeaveAll("c-1")
	require.Len(t, changes, 2)
	assert.Equal(t, agent, changes[0].Room)
	assert.Equal(t, ws, changes[1].Room)

	assert.Empty(t, tr.List(ws))
	assert.Len(t, tr.List(agent), 1)
	assert.Empty(t, tr.LeaveAll("c-1"))
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	tr := NewTracker()
	now := time.UnixMilli(1000)
	tr.now = func() time.Time { return now }
	room := protocol.SessionRoom("7", "s-1")

	tr.Join(room, Member{UserID: "u-1", ConnectionID: "c-1"})
	now = now.Add(time.Second)
	tr.Touch("c-1")

	members := tr.List(room)
	require.Len(t, members, 1)
	assert.Equal(t, int64(1000), members[0].JoinedAt)
	assert.Equal(t, int64(2000), members[0].LastActivity)
}

// **Property: presence is scoped to one workspace**
// Joining the same room name in two workspaces never makes a member visible
// in the other workspace.
func TestPresenceWorkspaceScopedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("members never cross workspaces", prop.ForAll(
		func(wsA, wsB, session, user string) bool {
			if wsA == wsB {
				return true
			}
			tr := NewTracker()
			tr.Join(protocol.SessionRoom(wsA, session), Member{UserID: user, ConnectionID: "c-1"})
			return len(tr.List(protocol.SessionRoom(wsB, session))) == 0 &&
				len(tr.List(protocol.SessionRoom(wsA, session))) == 1
		},
		gen.Identifier(), gen.Identifier(), gen.Identifier(), gen.Identifier(),
	))

	properties.TestingRun(t)
}
