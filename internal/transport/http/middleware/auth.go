package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iamasit07/cafe-kiosk/backend/pkg/auth"
	"github.com/iamasit07/cafe-kiosk/backend/pkg/httputil"
)

const (
	KeyUserID = "user_id"
	KeyRole   = "role"
)

type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// Auth validates the access token (Bearer header or auth cookie) and stores the caller's id and role.
func Auth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := httputil.TokenFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
			return
		}

		claims, err := tokens.ValidateAccessToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(KeyUserID, claims.UserID)
		c.Set(KeyRole, claims.Role)
		c.Next()
	}
}

// RequireRole admits only callers whose token carries one of roles. It must run after Auth.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(KeyRole)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}
