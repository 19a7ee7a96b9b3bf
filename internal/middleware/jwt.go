package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/response"
)

const (
	// ContextIdentity is the key for the caller's models.Identity in gin context.
	ContextIdentity = "identity"
	// ContextSessionID is the key for the session id in gin context.
	ContextSessionID = "session_id"
)

// JWT returns a middleware that validates JWT and sets the caller identity in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextIdentity, claims.Identity())
		c.Set(ContextSessionID, claims.SessionID)
		c.Next()
	}
}

// GetIdentity returns the identity set by JWT.
func GetIdentity(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := v.(models.Identity)
	return id, ok
}
