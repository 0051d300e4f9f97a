package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-workspace/realtime/internal/model"
)

type staticSource struct {
	agents   []model.AgentOwnership
	sessions []model.SessionOwnership
	err      error
}

func (s *staticSource) ListAgents(context.Context) ([]model.AgentOwnership, error) {
	return s.agents, s.err
}

func (s *staticSource) ListSessions(context.Context) ([]model.SessionOwnership, error) {
	return s.sessions, s.err
}

func TestDirectoryLoad(t *testing.T) {
	d := NewDirectory()
	d.RegisterAgent("stale", "1")

	err := d.Load(context.Background(), &staticSource{
		agents:   []model.AgentOwnership{{AgentID: "42", WorkspaceID: "7"}},
		sessions: []model.SessionOwnership{{SessionID: "s-1", AgentID: "42", WorkspaceID: "7"}},
	})
	require.NoError(t, err)

	ws, ok := d.AgentWorkspace("42")
	assert.True(t, ok)
	assert.Equal(t, "7", ws)

	_, ok = d.AgentWorkspace("stale")
	assert.False(t, ok)

	agents, sessions := d.Counts()
	assert.Equal(t, 1, agents)
	assert.Equal(t, 1, sessions)
}

func TestDirectoryLoadError(t *testing.T) {
	d := NewDirectory()
	d.RegisterAgent("42", "7")

	err := d.Load(context.Background(), &staticSource{err: errors.New("boom")})
	assert.Error(t, err)

	_, ok := d.AgentWorkspace("42")
	assert.True(t, ok, "failed load must not clear the directory")
}

func TestDirectoryChecks(t *testing.T) {
	d := NewDirectory()
	d.RegisterAgent("42", "7")
	d.RegisterSession(model.SessionOwnership{SessionID: "s-1", AgentID: "42", WorkspaceID: "7"})

	assert.NoError(t, d.CheckAgent("42", "7"))
	assert.ErrorIs(t, d.CheckAgent("42", "8"), model.ErrWorkspaceMismatch)
	assert.NoError(t, d.CheckAgent("unknown", "8"))

	assert.NoError(t, d.CheckSession("s-1", "42", "7"))
	assert.ErrorIs(t, d.CheckSession("s-1", "43", "7"), model.ErrForbidden)
	assert.ErrorIs(t, d.CheckSession("s-1", "42", "8"), model.ErrWorkspaceMismatch)
	assert.NoError(t, d.CheckSession("s-unknown", "43", "7"))
}

func TestDirectoryRemoveAgentDropsSessions(t *testing.T) {
	d := NewDirectory()
	d.RegisterSession(model.SessionOwnership{SessionID: "s-1", AgentID: "42", WorkspaceID: "7"})

	ws, ok := d.AgentWorkspace("42")
	require.True(t, ok, "registering a session registers its agent")
	assert.Equal(t, "7", ws)

	d.RemoveAgent("42")

	_, ok = d.Session("s-1")
	assert.False(t, ok)
	_, ok = d.AgentWorkspace("42")
	assert.False(t, ok)
}
