package polls

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-classroom/backend/internal/middleware"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/response"
)

// CreateRequest is the body for POST /polls.
type CreateRequest struct {
	Question         string             `json:"question" binding:"required"`
	Options          []models.NewOption `json:"options" binding:"required"`
	TimeLimitSeconds int                `json:"time_limit_seconds" binding:"required"`
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a polls handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /polls (teacher).
func (h *Handler) Create(c *gin.Context) {
	identity, _ := middleware.GetIdentity(c)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.orch.CreatePoll(c.Request.Context(), identity.ID, CreateInput{
		Question:         req.Question,
		Options:          req.Options,
		TimeLimitSeconds: req.TimeLimitSeconds,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	view, err := h.orch.GetPoll(c.Request.Context(), p.ID, identity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, view)
}

// Get handles GET /polls/:id.
func (h *Handler) Get(c *gin.Context) {
	pollID, ok := pathID(c, "id")
	if !ok {
		return
	}
	identity, _ := middleware.GetIdentity(c)
	view, err := h.orch.GetPoll(c.Request.Context(), pollID, identity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// Start handles POST /polls/:id/start (owning teacher).
func (h *Handler) Start(c *gin.Context) {
	pollID, ok := pathID(c, "id")
	if !ok {
		return
	}
	identity, _ := middleware.GetIdentity(c)
	if _, err := h.orch.RequireOwner(c.Request.Context(), pollID, identity); err != nil {
		response.Error(c, err)
		return
	}
	if _, err := h.orch.StartPoll(c.Request.Context(), pollID); err != nil {
		response.Error(c, err)
		return
	}
	view, err := h.orch.GetPoll(c.Request.Context(), pollID, identity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// End handles POST /polls/:id/end (owning teacher). ?strict=true rejects an already closed poll.
func (h *Handler) End(c *gin.Context) {
	pollID, ok := pathID(c, "id")
	if !ok {
		return
	}
	identity, _ := middleware.GetIdentity(c)
	if _, err := h.orch.RequireOwner(c.Request.Context(), pollID, identity); err != nil {
		response.Error(c, err)
		return
	}
	end := h.orch.EndPoll
	if c.Query("strict") == "true" {
		end = h.orch.EndPollOnce
	}
	results, err := end(c.Request.Context(), pollID, models.EndManual)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, results)
}

// ActivePoll handles GET /teachers/:id/active-poll. Data is null when no poll is active.
func (h *Handler) ActivePoll(c *gin.Context) {
	teacherID, ok := pathID(c, "id")
	if !ok {
		return
	}
	identity, _ := middleware.GetIdentity(c)
	view, err := h.orch.GetActivePoll(c.Request.Context(), teacherID, identity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"poll": view})
}

// CloseAll handles POST /teachers/:id/close-all (that teacher only).
func (h *Handler) CloseAll(c *gin.Context) {
	teacherID, ok := pathID(c, "id")
	if !ok {
		return
	}
	identity, _ := middleware.GetIdentity(c)
	if !identity.IsTeacher(teacherID) {
		response.Forbidden(c, "can only close your own polls")
		return
	}
	results, err := h.orch.CloseAllActive(c.Request.Context(), teacherID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"closed": len(results), "results": results})
}
