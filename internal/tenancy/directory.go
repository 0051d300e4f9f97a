// Package tenancy keeps the ownership facts the room manager needs on the
// hot path: which workspace owns an agent and which agent owns a session.
package tenancy

import (
	"context"
	"sync"

	"github.com/agent-workspace/realtime/internal/model"
)

// Source lists ownership records from the durable store.
type Source interface {
	ListAgents(ctx context.Context) ([]model.AgentOwnership, error)
	ListSessions(ctx context.Context) ([]model.SessionOwnership, error)
}

// Directory is an in-memory view of agent and session ownership. It is
// warmed from the store at startup and kept current by the lifecycle hooks.
type Directory struct {
	agents   map[string]string
	sessions map[string]model.SessionOwnership
	mu       sync.RWMutex
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		agents:   make(map[string]string),
		sessions: make(map[string]model.SessionOwnership),
	}
}

// Load replaces the directory contents with the records from src.
func (d *Directory) Load(ctx context.Context, src Source) error {
	agents, err := src.ListAgents(ctx)
	if err != nil {
		return err
	}
	sessions, err := src.ListSessions(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.agents = make(map[string]string, len(agents))
	for _, a := range agents {
		d.agents[a.AgentID] = a.WorkspaceID
	}
	d.sessions = make(map[string]model.SessionOwnership, len(sessions))
	for _, s := range sessions {
		d.sessions[s.SessionID] = s
	}
	return nil
}

// RegisterAgent records that agentID belongs to workspaceID.
func (d *Directory) RegisterAgent(agentID, workspaceID string) {
	if agentID == "" || workspaceID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agentID] = workspaceID
}

// RemoveAgent forgets an agent and its sessions.
func (d *Directory) RemoveAgent(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.agents, agentID)
	for id, s := range d.sessions {
		if s.AgentID == agentID {
			delete(d.sessions, id)
		}
	}
}

// AgentWorkspace returns the workspace of an agent and whether it is known.
func (d *Directory) AgentWorkspace(agentID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ws, ok := d.agents[agentID]
	return ws, ok
}

// RegisterSession records the owner of a session. The agent is registered
// too if it was not known yet.
func (d *Directory) RegisterSession(s model.SessionOwnership) {
	if s.SessionID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sessions[s.SessionID] = s
	if _, ok := d.agents[s.AgentID]; !ok && s.AgentID != "" && s.WorkspaceID != "" {
		d.agents[s.AgentID] = s.WorkspaceID
	}
}

// RemoveSession forgets a session.
func (d *Directory) RemoveSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Session returns the ownership record of a session and whether it is known.
func (d *Directory) Session(sessionID string) (model.SessionOwnership, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sessionID]
	return s, ok
}

// CheckAgent reports whether agentID may be addressed from workspaceID.
// Unknown agents pass; room keys are namespaced by workspace so an unknown
// agent id can only ever reach rooms of the caller's own workspace.
func (d *Directory) CheckAgent(agentID, workspaceID string) error {
	if ws, ok := d.AgentWorkspace(agentID); ok && ws != workspaceID {
		return model.ErrWorkspaceMismatch
	}
	return nil
}

// CheckSession reports whether sessionID may be addressed as a session of
// agentID in workspaceID.
func (d *Directory) CheckSession(sessionID, agentID, workspaceID string) error {
	s, ok := d.Session(sessionID)
	if !ok {
		return nil
	}
	if s.WorkspaceID != "" && s.WorkspaceID != workspaceID {
		return model.ErrWorkspaceMismatch
	}
	if s.AgentID != "" && s.AgentID != agentID {
		return model.ErrForbidden
	}
	return nil
}

// Counts returns the number of known agents and sessions.
func (d *Directory) Counts() (agents, sessions int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents), len(d.sessions)
}
