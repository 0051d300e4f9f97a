package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agent-workspace/realtime/internal/model"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ServiceAuth returns gin middleware that only admits bearer tokens issued
// to the service role.
func ServiceAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errMsg := extractBearerToken(c.GetHeader("Authorization"))
		if errMsg != "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", errMsg)
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		if claims.Role != model.RoleService {
			abort(c, http.StatusForbidden, "FORBIDDEN", "service token required")
			return
		}

		c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// abort renders the same error body as the API handlers.
func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"code": code, "message": message},
	})
}

type claimsContextKey struct{}

// WithClaims returns a new context with the verified claims attached.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// FromContext retrieves the verified claims, returning nil if not present.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return claims
}
