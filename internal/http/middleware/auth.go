// README: Bearer-token auth middleware backed by infra.TokenVerifier.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"courier/internal/infra"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
)

// Roles carried in the "role" custom claim. Customers have none.
const (
	RoleAgent = "agent"
	RoleStaff = "staff"
)

// Auth rejects requests without a verifiable "Bearer <token>" header and
// stores the caller's uid and role on the context.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxCallerUID, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxCallerRole, role)
		}
		c.Next()
	}
}

// CallerUID returns the authenticated uid, or "" on public routes.
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

// CallerRole returns the role claim, or "" when the caller has none.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}
