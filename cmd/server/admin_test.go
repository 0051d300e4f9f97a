package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-workspace/realtime/internal/auth"
	"github.com/agent-workspace/realtime/internal/db"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/internal/repository"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

const adminSecret = "admin-test-secret-0123456789"

// writeConfig writes a config pointing at a fresh database and returns its
// path along with the database path.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	for _, key := range []string{"JWT_SECRET", "DB_PATH", "TOKEN_TTL", "ENV"} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "realtime.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "auth:\n  jwt_secret: " + adminSecret + "\n  token_ttl: 2m\ndatabase:\n  path: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath, dbPath
}

// run executes the CLI with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "-c", cfgPath, "token", "-w", "7", "-u", "u-1", "--name", "Ada")
	require.NoError(t, err)

	claims, err := auth.NewJWTVerifier([]byte(adminSecret)).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "7", claims.WorkspaceID)
	assert.Equal(t, "u-1", claims.UserID())
	assert.Equal(t, "Ada", claims.DisplayName)
	assert.Equal(t, model.RoleMember, claims.Role)

	out, err = run(t, "-c", cfgPath, "token", "--role", "service", "-u", "runtime")
	require.NoError(t, err)
	claims, err = auth.NewJWTVerifier([]byte(adminSecret)).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, model.RoleService, claims.Role)

	_, err = run(t, "-c", cfgPath, "token", "-u", "u-1")
	assert.ErrorContains(t, err, "--workspace is required")
}

func TestMemberCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	out, err := run(t, "-c", cfgPath, "member", "add", "7", "u-1")
	require.NoError(t, err)
	assert.Contains(t, out, "added u-1 to workspace 7")

	database, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := repository.NewWorkspaceRepository(database)

	ok, err := repo.IsMember(context.Background(), "7", "u-1")
	require.NoError(t, err)
	assert.True(t, ok)

	out, err = run(t, "-c", cfgPath, "member", "remove", "7", "u-1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed u-1 from workspace 7")

	ok, err = repo.IsMember(context.Background(), "7", "u-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = run(t, "-c", cfgPath, "member", "add", "7")
	assert.Error(t, err)
}

func TestHistoryPurgeCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	ctx := context.Background()

	database, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	events := repository.NewEventRepository(database)

	purged := protocol.SessionRoom("7", "s-1")
	kept := protocol.SessionRoom("7", "s-2")
	for i, room := range []protocol.Room{purged, kept} {
		env := &protocol.Envelope{SessionID: room.ID, WorkspaceID: "7", Timestamp: int64(100 + i), Data: &protocol.MessageChunk{MessageID: "m", Delta: "x"}}
		_, err := events.Append(ctx, room.Key(), env)
		require.NoError(t, err)
	}

	out, err := run(t, "-c", cfgPath, "history", "purge", "7", "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, "session:s-1")

	gone, err := events.ListSince(ctx, purged.Key(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, gone)

	left, err := events.ListSince(ctx, kept.Key(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestHealthCommand(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","connections":3,"rooms":{"workspace":1,"agent":2,"session":0},"directory":{"agents":2,"sessions":5},"node":"node-a","checks":{"database":"ok"}}`))
	}))
	t.Cleanup(healthy.Close)

	out, err := run(t, "health", "--url", healthy.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "node:        node-a")
	assert.Contains(t, out, "connections: 3")
	assert.Contains(t, out, "workspace=1 agent=2 session=0")
	assert.Contains(t, out, "agents=2 sessions=5")
	assert.Contains(t, out, "database: ok")

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy","checks":{"redis":"connection refused"}}`))
	}))
	t.Cleanup(failing.Close)

	out, err = run(t, "health", "--url", failing.URL)
	assert.ErrorIs(t, err, errUnhealthy)
	assert.Contains(t, out, "unhealthy")
	assert.Contains(t, out, "redis: connection refused")
}
