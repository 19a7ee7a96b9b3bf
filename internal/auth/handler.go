package auth

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/response"
)

// SessionRequest is the body for POST /auth/session.
type SessionRequest struct {
	Role models.Role `json:"role" binding:"required"`
	Name string      `json:"name" binding:"required"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// CreateSession handles POST /auth/session.
func (h *Handler) CreateSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	issued, err := h.repo.CreateSession(c.Request.Context(), req.Role, req.Name)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, issued)
}

// Me handles GET /auth/me. identity is read from the request by the JWT middleware.
func Me(identity func(c *gin.Context) (models.Identity, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok {
			response.Unauthorized(c, "missing identity")
			return
		}
		response.OK(c, id)
	}
}
