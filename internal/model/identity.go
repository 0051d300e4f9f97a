package model

import "time"

// Role is the kind of principal a token was issued to.
type Role string

const (
	RoleMember   Role = "member"
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleService  Role = "service"
)

// Identity is the authenticated identity attached to a connection before any
// room operation is allowed. UserID is empty for anonymous customer
// connections.
type Identity struct {
	UserID      string    `json:"userId,omitempty"`
	WorkspaceID string    `json:"workspaceId"`
	AgentID     string    `json:"agentId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        Role      `json:"role"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IsAnonymous reports whether the identity has no user id.
func (i *Identity) IsAnonymous() bool {
	return i.UserID == ""
}

// CanAccessWorkspace reports whether the identity belongs to workspaceID.
func (i *Identity) CanAccessWorkspace(workspaceID string) bool {
	return workspaceID != "" && i.WorkspaceID == workspaceID
}

// AgentOwnership records which workspace owns an agent.
type AgentOwnership struct {
	AgentID     string
	WorkspaceID string
}

// SessionOwnership records which agent and workspace own a session.
type SessionOwnership struct {
	SessionID   string
	AgentID     string
	WorkspaceID string
}
