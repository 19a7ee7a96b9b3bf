package events

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/polls"
	"github.com/aura-classroom/backend/pkg/response"
)

// Handler serves the presence endpoints.
type Handler struct {
	d    *Dispatcher
	orch *polls.Orchestrator
}

// NewHandler creates a presence handler.
func NewHandler(d *Dispatcher, orch *polls.Orchestrator) *Handler {
	return &Handler{d: d, orch: orch}
}

// Roster handles GET /polls/:id/participants (owning teacher).
func (h *Handler) Roster(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	identity, _ := middleware.GetIdentity(c)
	if _, err := h.orch.RequireOwner(c.Request.Context(), pollID, identity); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, h.d.Roster(pollID))
}

// Kick handles POST /polls/:id/participants/:studentId/kick (owning teacher).
func (h *Handler) Kick(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	studentID, err := uuid.Parse(c.Param("studentId"))
	if err != nil {
		response.BadRequest(c, "invalid student id")
		return
	}
	identity, _ := middleware.GetIdentity(c)
	if err := h.d.Kick(c.Request.Context(), identity, pollID, studentID); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"poll_id": pollID, "student_id": studentID, "kicked": true})
}
