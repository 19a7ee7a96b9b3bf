package votes

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/pkg/response"
)

// SubmitRequest is the body for POST /polls/:id/votes.
type SubmitRequest struct {
	OptionID uuid.UUID `json:"option_id" binding:"required"`
}

// Handler handles vote and results HTTP endpoints.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a votes handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// Submit handles POST /polls/:id/votes (student).
func (h *Handler) Submit(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	identity, _ := middleware.GetIdentity(c)
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	results, err := h.ledger.SubmitVote(c.Request.Context(), pollID, identity.ID, req.OptionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, results)
}

// Results handles GET /polls/:id/results.
func (h *Handler) Results(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	identity, _ := middleware.GetIdentity(c)
	results, err := h.ledger.GetResults(c.Request.Context(), pollID, identity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, results)
}

// Mine handles GET /polls/:id/votes/me.
func (h *Handler) Mine(c *gin.Context) {
	pollID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	identity, _ := middleware.GetIdentity(c)
	voted, err := h.ledger.HasVoted(c.Request.Context(), pollID, identity.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"poll_id": pollID, "has_voted": voted})
}
