package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agent-workspace/realtime/internal/model"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims are the signed facts a connection token carries. The workspace
// claim is authoritative: a client can never widen it.
type Claims struct {
	WorkspaceID string     `json:"wid"`
	AgentID     string     `json:"aid,omitempty"`
	DisplayName string     `json:"name,omitempty"`
	Role        model.Role `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the subject, empty for anonymous customer tokens.
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenVerifier defines the interface for token verification.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// Verify validates the token and returns its claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.WorkspaceID == "" && claims.Role != model.RoleService {
		return nil, fmt.Errorf("%w: wid", ErrMissingClaim)
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	if claims.Role == model.RoleMember && claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Role == model.RoleAgent && claims.AgentID == "" {
		return nil, fmt.Errorf("%w: aid", ErrMissingClaim)
	}

	return claims, nil
}

// Issue signs a token for the given claims, valid for ttl.
func (v *JWTVerifier) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := v.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
