package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/session"
)

// PipelineHandler handles pipeline API requests
type PipelineHandler struct {
	sessions *session.Manager
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(sessions *session.Manager) *PipelineHandler {
	return &PipelineHandler{
		sessions: sessions,
	}
}

// RegisterRoutes registers the pipeline routes
func (h *PipelineHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/pipeline", h.Get)
	g.GET("/pipeline/summary", h.Summary)
}

// Get handles GET /pipeline
func (h *PipelineHandler) Get(c echo.Context) error {
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
		return NotFound("no pipeline exists for tenant %s", tenantID)
	}
	return SuccessResponse(c, pipeline)
}

// Summary handles GET /pipeline/summary, per-stage lead counts and values
func (h *PipelineHandler) Summary(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	return SuccessResponse(c, map[string]any{
		"total_leads": sess.Store.TotalLeads(),
		"by_stage":    sess.Store.StageLeadCounts(),
	})
}
