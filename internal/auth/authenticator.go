package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// Entitlements answers workspace membership questions from the durable store.
type Entitlements interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// AgentDirectory resolves the workspace an agent belongs to.
type AgentDirectory interface {
	AgentWorkspace(agentID string) (string, bool)
}

// Authenticator verifies connection handshakes.
type Authenticator struct {
	verifier     TokenVerifier
	entitlements Entitlements
	agents       AgentDirectory
	logger       zerolog.Logger
}

// NewAuthenticator creates an Authenticator. entitlements and agents may be
// nil, in which case the corresponding cross-check is skipped.
func NewAuthenticator(verifier TokenVerifier, entitlements Entitlements, agents AgentDirectory, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		verifier:     verifier,
		entitlements: entitlements,
		agents:       agents,
		logger:       logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate checks a handshake and returns the identity to attach to the
// connection. Every failure wraps model.ErrAuthenticationFailed and nothing
// is recorded for a rejected handshake.
func (a *Authenticator) Authenticate(ctx context.Context, req protocol.AuthenticateRequest) (*model.Identity, error) {
	identity, err := a.authenticate(ctx, req)
	if err != nil {
		a.logger.Debug().Err(err).Str("workspace_id", req.WorkspaceID).Msg("handshake rejected")
		return nil, fmt.Errorf("%w: %w", model.ErrAuthenticationFailed, err)
	}
	return identity, nil
}

func (a *Authenticator) authenticate(ctx context.Context, req protocol.AuthenticateRequest) (*model.Identity, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("%w: token", ErrMissingClaim)
	}

	claims, err := a.verifier.Verify(req.Token)
	if err != nil {
		return nil, err
	}

	switch claims.Role {
	case model.RoleMember, model.RoleCustomer, model.RoleAgent:
	default:
		return nil, fmt.Errorf("%w: role %q cannot open connections", model.ErrForbidden, claims.Role)
	}

	if req.WorkspaceID != "" && req.WorkspaceID != claims.WorkspaceID {
		return nil, model.ErrWorkspaceMismatch
	}
	if req.UserID != "" && req.UserID != claims.Subject {
		return nil, fmt.Errorf("%w: user id does not match token", model.ErrForbidden)
	}
	if req.AgentID != "" && req.AgentID != claims.AgentID {
		return nil, fmt.Errorf("%w: agent id does not match token", model.ErrForbidden)
	}

	if claims.Role == model.RoleMember && a.entitlements != nil {
		ok, err := a.entitlements.IsMember(ctx, claims.WorkspaceID, claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("checking membership: %w", err)
		}
		if !ok {
			return nil, model.ErrNotEntitled
		}
	}

	agentID := claims.AgentID
	if agentID != "" && a.agents != nil {
		if ws, known := a.agents.AgentWorkspace(agentID); known && ws != claims.WorkspaceID {
			return nil, fmt.Errorf("%w: agent %s", model.ErrWorkspaceMismatch, agentID)
		}
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &model.Identity{
		UserID:      claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		AgentID:     agentID,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		ExpiresAt:   expiresAt,
	}, nil
}
