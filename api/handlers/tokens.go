package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agent-workspace/realtime/internal/auth"
	"github.com/agent-workspace/realtime/internal/model"
)

// TokenIssuer signs connection tokens.
type TokenIssuer interface {
	Issue(claims auth.Claims, ttl time.Duration) (string, error)
}

// TokenHandler mints short-lived connection tokens for trusted services.
type TokenHandler struct {
	issuer TokenIssuer
	ttl    time.Duration
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(issuer TokenIssuer, ttl time.Duration) *TokenHandler {
	return &TokenHandler{issuer: issuer, ttl: ttl}
}

// CreateTokenRequest represents the request body for minting a token.
type CreateTokenRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	UserID      string `json:"userId"`
	AgentID     string `json:"agentId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// TokenResponse is the body of a minted token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// Create handles POST /api/tokens.
func (h *TokenHandler) Create(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	role := model.Role(req.Role)
	switch role {
	case "":
		role = model.RoleMember
		if req.UserID == "" {
			role = model.RoleCustomer
		}
	case model.RoleMember, model.RoleCustomer, model.RoleAgent:
	default:
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unsupported role "+req.Role)
		return
	}
	if role == model.RoleMember && req.UserID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "userId is required for members")
		return
	}
	if role == model.RoleAgent && req.AgentID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "agentId is required for agents")
		return
	}

	claims := auth.Claims{
		WorkspaceID:      req.WorkspaceID,
		AgentID:          req.AgentID,
		DisplayName:      req.DisplayName,
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: req.UserID},
	}
	// the minting service is recorded as the issuer
	if caller := auth.FromContext(c.Request.Context()); caller != nil {
		claims.Issuer = caller.Subject
	}
	token, err := h.issuer.Issue(claims, h.ttl)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue token")
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.ttl).UTC().Format(time.RFC3339),
	})
}

// RegisterRoutes registers the token route on a service-authenticated group.
func (h *TokenHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/tokens", h.Create)
}
