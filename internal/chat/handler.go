package chat

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/pkg/response"
)

// SendRequest is the body for POST /polls/:id/messages.
type SendRequest struct {
	Message string `json:"message" binding:"required"`
}

// Handler handles chat HTTP endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a chat handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Send handles POST /polls/:id/messages.
func (h *Handler) Send(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	identity, _ := middleware.GetIdentity(c)
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	m, err := h.svc.Send(c.Request.Context(), pollID, identity, req.Message)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, m)
}

// History handles GET /polls/:id/messages?limit=.
func (h *Handler) History(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
	}
	list, err := h.svc.History(c.Request.Context(), pollID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}
