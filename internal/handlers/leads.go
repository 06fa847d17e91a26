package handlers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/mutation"
	"github.com/Ramsey-B/clover/pkg/session"
)

// LeadHandler handles lead-related API requests
type LeadHandler struct {
	sessions *session.Manager
}

// NewLeadHandler creates a new lead handler
func NewLeadHandler(sessions *session.Manager) *LeadHandler {
	return &LeadHandler{
		sessions: sessions,
	}
}

// CreateLeadRequest is the request body for creating a lead
type CreateLeadRequest struct {
	ContactName      string         `json:"contact_name" validate:"required"`
	ContactInfo      map[string]any `json:"contact_info,omitempty"`
	Channel          string         `json:"channel,omitempty"`
	StageID          *uuid.UUID     `json:"stage_id,omitempty"`
	ProbabilityScore *float64       `json:"probability_score,omitempty" validate:"omitempty,gte=0,lte=100"`
	Value            *float64       `json:"value,omitempty" validate:"omitempty,gte=0"`
}

// MoveLeadRequest is the request body for moving a lead to another stage
type MoveLeadRequest struct {
	StageID uuid.UUID `json:"stage_id" validate:"required"`
}

// BoardColumn is one stage column of the kanban board view
type BoardColumn struct {
	Stage models.Stage  `json:"stage"`
	Leads []models.Lead `json:"leads"`
	Value float64       `json:"value"`
}

// RegisterRoutes registers the lead routes
func (h *LeadHandler) RegisterRoutes(g *echo.Group) {
	leads := g.Group("/leads")
	leads.POST("", h.Create)
	leads.GET("", h.List)
	leads.GET("/:id", h.Get)
	leads.POST("/:id/move", h.Move)
	leads.DELETE("/:id", h.Delete)

	g.GET("/board", h.Board)
}

// Create handles POST /leads
func (h *LeadHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	req, err := BindRequest[CreateLeadRequest](c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	lead, err := sess.Engine.CreateLead(ctx, mutation.CreateLeadInput{
		ContactName:      req.ContactName,
		ContactInfo:      req.ContactInfo,
		Channel:          req.Channel,
		StageID:          req.StageID,
		ProbabilityScore: req.ProbabilityScore,
		Value:            req.Value,
	})
	if err != nil {
		return err
	}

	return CreatedResponse(c, lead)
}

// List handles GET /leads
func (h *LeadHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if stageParam := c.QueryParam("stage_id"); stageParam != "" {
		stageID, err := uuid.Parse(stageParam)
		if err != nil {
			return BadRequest("invalid stage_id: must be a valid UUID")
		}
		leads := sess.Store.LeadsByStage()[stageID]
		if leads == nil {
			leads = []models.Lead{}
		}
		return SuccessResponse(c, leads)
	}

	return SuccessResponse(c, sess.Store.Leads())
}

// Get handles GET /leads/:id
func (h *LeadHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	lead, ok := sess.Store.Lead(id)
	if !ok {
		return NotFound("lead %s does not exist", id)
	}
	return SuccessResponse(c, lead)
}

// Move handles POST /leads/:id/move
func (h *LeadHandler) Move(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := BindRequest[MoveLeadRequest](c)
	if err != nil {
		return err
	}
	if req.StageID == uuid.Nil {
		return BadRequest("stage_id is required")
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	lead, err := sess.Engine.MoveLead(ctx, id, req.StageID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, lead)
}

// Delete handles DELETE /leads/:id
func (h *LeadHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if err := sess.Engine.DeleteLead(ctx, id); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// Board handles GET /board, the stage-grouped kanban view
func (h *LeadHandler) Board(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	pipeline := sess.Store.Pipeline()
	if pipeline == nil {
		return SuccessResponse(c, []BoardColumn{})
	}

	values := sess.Store.ValueByStage()
	byStage := sess.Store.LeadsByStage()
	columns := make([]BoardColumn, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		leads := byStage[stage.ID]
		if leads == nil {
			leads = []models.Lead{}
		}
		columns = append(columns, BoardColumn{
			Stage: stage,
			Leads: leads,
			Value: values[stage.ID],
		})
	}
	return SuccessResponse(c, columns)
}
