package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/session"
)

// AutomationHandler handles automation rule API requests
type AutomationHandler struct {
	repo     repositories.RuleRepo
	sessions *session.Manager
}

// NewAutomationHandler creates a new automation rule handler
func NewAutomationHandler(repo repositories.RuleRepo, sessions *session.Manager) *AutomationHandler {
	return &AutomationHandler{
		repo:     repo,
		sessions: sessions,
	}
}

// CreateRuleRequest is the request body for creating an automation rule
type CreateRuleRequest struct {
	Name         string         `json:"name" validate:"required"`
	TriggerStage string         `json:"trigger_stage" validate:"required"`
	ActionType   string         `json:"action_type" validate:"required"`
	Payload      map[string]any `json:"payload,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
}

// UpdateRuleRequest is the request body for updating an automation rule
type UpdateRuleRequest struct {
	Name         *string        `json:"name,omitempty"`
	TriggerStage *string        `json:"trigger_stage,omitempty"`
	ActionType   *string        `json:"action_type,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Enabled      *bool          `json:"enabled,omitempty"`
}

// RegisterRoutes registers the automation rule routes
func (h *AutomationHandler) RegisterRoutes(g *echo.Group) {
	rules := g.Group("/automation/rules")
	rules.POST("", h.Create)
	rules.GET("", h.List)
	rules.GET("/:id", h.Get)
	rules.PUT("/:id", h.Update)
	rules.POST("/:id/toggle", h.Toggle)
	rules.DELETE("/:id", h.Delete)
}

// refreshSession reloads the tenant's enabled rules into the live store so a
// change takes effect without waiting for the next sync cycle.
func (h *AutomationHandler) refreshSession(c echo.Context) {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return
	}
	sess, ok := h.sessions.Peek(tenantID)
	if !ok {
		return
	}
	if rules, err := h.repo.ListEnabled(ctx, tenantID); err == nil {
		sess.Store.SetRules(rules)
	}
}

// Create handles POST /automation/rules
func (h *AutomationHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := BindRequest[CreateRuleRequest](c)
	if err != nil {
		return err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.AutomationRule{
		Name:         req.Name,
		TriggerStage: req.TriggerStage,
		ActionType:   req.ActionType,
		Enabled:      enabled,
	}
	if req.Payload != nil {
		rule.Payload = database.JSONB[map[string]any]{Data: req.Payload}
	}

	if err := h.repo.Create(ctx, rule); err != nil {
		return err
	}

	h.refreshSession(c)
	return CreatedResponse(c, rule)
}

// List handles GET /automation/rules
func (h *AutomationHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	rules, err := h.repo.List(ctx)
	if err != nil {
		return err
	}
	return SuccessResponse(c, rules)
}

// Get handles GET /automation/rules/:id
func (h *AutomationHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	rule, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, rule)
}

// Update handles PUT /automation/rules/:id
func (h *AutomationHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	existing, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	req, err := BindRequest[UpdateRuleRequest](c)
	if err != nil {
		return err
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.TriggerStage != nil {
		existing.TriggerStage = *req.TriggerStage
	}
	if req.ActionType != nil {
		existing.ActionType = *req.ActionType
	}
	if req.Payload != nil {
		existing.Payload = database.JSONB[map[string]any]{Data: req.Payload}
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if err := h.repo.Update(ctx, existing); err != nil {
		return err
	}

	h.refreshSession(c)
	return SuccessResponse(c, existing)
}

// Toggle handles POST /automation/rules/:id/toggle
func (h *AutomationHandler) Toggle(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	rule, err := h.repo.Toggle(ctx, id)
	if err != nil {
		return err
	}

	h.refreshSession(c)
	return SuccessResponse(c, rule)
}

// Delete handles DELETE /automation/rules/:id
func (h *AutomationHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Delete(ctx, id); err != nil {
		return err
	}

	h.refreshSession(c)
	return NoContentResponse(c)
}
