package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-workspace/realtime/internal/db"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	return testDB
}

func TestWorkspaceMembership(t *testing.T) {
	repo := NewWorkspaceRepository(newTestDB(t))
	ctx := context.Background()

	ok, err := repo.IsMember(ctx, "7", "u-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.AddMember(ctx, "7", "u-1", model.RoleMember))
	require.NoError(t, repo.AddMember(ctx, "7", "u-1", model.RoleMember), "adding twice is an update")

	ok, err = repo.IsMember(ctx, "7", "u-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsMember(ctx, "8", "u-1")
	require.NoError(t, err)
	assert.False(t, ok, "membership is per workspace")

	require.NoError(t, repo.RemoveMember(ctx, "7", "u-1"))
	assert.ErrorIs(t, repo.RemoveMember(ctx, "7", "u-1"), model.ErrNotFound)
}

func TestAgentAndSessionOwnership(t *testing.T) {
	repo := NewWorkspaceRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.SaveAgent(ctx, model.AgentOwnership{AgentID: "42", WorkspaceID: "7"}, "Helper", "ONLINE"))
	require.NoError(t, repo.SaveAgent(ctx, model.AgentOwnership{AgentID: "43", WorkspaceID: "8"}, "Other", ""))
	require.NoError(t, repo.SaveSession(ctx, model.SessionOwnership{SessionID: "s-1", AgentID: "42", WorkspaceID: "7"}, ""))
	require.NoError(t, repo.SaveSession(ctx, model.SessionOwnership{SessionID: "s-2", AgentID: "42", WorkspaceID: "7"}, "ended"))

	agents, err := repo.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.AgentOwnership{
		{AgentID: "42", WorkspaceID: "7"},
		{AgentID: "43", WorkspaceID: "8"},
	}, agents)

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.SessionOwnership{{SessionID: "s-1", AgentID: "42", WorkspaceID: "7"}}, sessions)

	s, err := repo.GetSession(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, "42", s.AgentID)

	require.NoError(t, repo.DeleteAgent(ctx, "42"))
	_, err = repo.GetSession(ctx, "s-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteAgent(ctx, "42"), model.ErrNotFound)
}

func TestEventLog(t *testing.T) {
	repo := NewEventRepository(newTestDB(t))
	ctx := context.Background()
	room := protocol.SessionRoom("7", "s-1").Key()

	for i, delta := range []string{"a", "b", "c"} {
		_, err := repo.Append(ctx, room, &protocol.Envelope{
			SessionID:   "s-1",
			WorkspaceID: "7",
			Timestamp:   int64(100 + i),
			Data:        &protocol.MessageChunk{MessageID: "m-1", Index: i, Delta: delta},
		})
		require.NoError(t, err)
	}
	_, err := repo.Append(ctx, protocol.SessionRoom("8", "s-1").Key(), &protocol.Envelope{
		SessionID: "s-1", WorkspaceID: "8", Timestamp: 500, Data: &protocol.TypingIndicator{},
	})
	require.NoError(t, err)

	events, err := repo.ListSince(ctx, room, 100, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(101), events[0].Timestamp)
	chunk, ok := events[1].Data.(*protocol.MessageChunk)
	require.True(t, ok)
	assert.Equal(t, "c", chunk.Delta)

	events, err = repo.ListSince(ctx, room, 0, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	n, err := repo.DeleteBefore(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, repo.DeleteRoom(ctx, room))
	events, err = repo.ListSince(ctx, room, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
