package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agent-workspace/realtime/internal/model"
)

// WorkspaceRepository provides data access for workspace membership and
// agent and session ownership.
type WorkspaceRepository struct {
	db *sql.DB
}

// NewWorkspaceRepository creates a new WorkspaceRepository.
func NewWorkspaceRepository(db *sql.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

// AddMember grants userID membership of workspaceID. Adding an existing
// member updates the role.
func (r *WorkspaceRepository) AddMember(ctx context.Context, workspaceID, userID string, role model.Role) error {
	query := `
		INSERT INTO workspace_members (workspace_id, user_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = excluded.role
	`

	if _, err := r.db.ExecContext(ctx, query, workspaceID, userID, role); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// RemoveMember revokes membership.
func (r *WorkspaceRepository) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	query := `DELETE FROM workspace_members WHERE workspace_id = ? AND user_id = ?`

	result, err := r.db.ExecContext(ctx, query, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// IsMember checks if userID belongs to workspaceID.
func (r *WorkspaceRepository) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	query := `SELECT 1 FROM workspace_members WHERE workspace_id = ? AND user_id = ? LIMIT 1`

	var exists int
	err := r.db.QueryRowContext(ctx, query, workspaceID, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return true, nil
}

// SaveAgent inserts or updates an agent row.
func (r *WorkspaceRepository) SaveAgent(ctx context.Context, agent model.AgentOwnership, name, status string) error {
	query := `
		INSERT INTO agents (id, workspace_id, name, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			name = COALESCE(NULLIF(excluded.name, ''), agents.name),
			status = COALESCE(NULLIF(excluded.status, ''), agents.status),
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, agent.AgentID, agent.WorkspaceID, name, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent and its sessions.
func (r *WorkspaceRepository) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent sessions: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrNotFound
	}

	return tx.Commit()
}

// SaveSession inserts or updates a session row.
func (r *WorkspaceRepository) SaveSession(ctx context.Context, session model.SessionOwnership, status string) error {
	if status == "" {
		status = "active"
	}
	query := `
		INSERT INTO sessions (id, agent_id, workspace_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, session.SessionID, session.AgentID, session.WorkspaceID, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves the ownership of a session.
func (r *WorkspaceRepository) GetSession(ctx context.Context, sessionID string) (*model.SessionOwnership, error) {
	query := `SELECT id, agent_id, workspace_id FROM sessions WHERE id = ?`

	s := &model.SessionOwnership{}
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&s.SessionID, &s.AgentID, &s.WorkspaceID)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListAgents retrieves the ownership of every agent.
func (r *WorkspaceRepository) ListAgents(ctx context.Context) ([]model.AgentOwnership, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, workspace_id FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.AgentOwnership
	for rows.Next() {
		var a model.AgentOwnership
		if err := rows.Scan(&a.AgentID, &a.WorkspaceID); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// ListSessions retrieves the ownership of every session that has not ended.
func (r *WorkspaceRepository) ListSessions(ctx context.Context) ([]model.SessionOwnership, error) {
	query := `SELECT id, agent_id, workspace_id FROM sessions WHERE status != 'ended' ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.SessionOwnership
	for rows.Next() {
		var s model.SessionOwnership
		if err := rows.Scan(&s.SessionID, &s.AgentID, &s.WorkspaceID); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}
