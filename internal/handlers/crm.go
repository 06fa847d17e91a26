package handlers

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/session"
)

// CRMHandler handles CRM integration lifecycle API requests
type CRMHandler struct {
	sessions *session.Manager
}

// NewCRMHandler creates a new CRM integration handler
func NewCRMHandler(sessions *session.Manager) *CRMHandler {
	return &CRMHandler{
		sessions: sessions,
	}
}

// ConnectResponse carries the OAuth consent URL
type ConnectResponse struct {
	AuthURL string `json:"auth_url"`
}

// CallbackRequest is the request body for completing the OAuth flow. A
// denied consent carries the error field and no code or subdomain.
type CallbackRequest struct {
	Subdomain string `json:"subdomain,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RegisterRoutes registers the CRM integration routes
func (h *CRMHandler) RegisterRoutes(g *echo.Group) {
	crm := g.Group("/crm")
	crm.GET("/status", h.Status)
	crm.POST("/connect", h.Connect)
	crm.POST("/callback", h.Callback)
	crm.POST("/disconnect", h.Disconnect)
	crm.POST("/sync", h.Sync)
	crm.GET("/health", h.Health)
	crm.GET("/deadletters", h.ListDeadLetters)
	crm.DELETE("/deadletters/:id", h.DeleteDeadLetter)
}

// Status handles GET /crm/status
func (h *CRMHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	errCount, _ := sess.Store.SyncErrors()
	status := models.IntegrationStatus{
		Connected:    sess.Lifecycle.Connected(),
		State:        string(sess.Lifecycle.State()),
		Subdomain:    sess.Lifecycle.Subdomain(),
		TotalLeads:   sess.Store.TotalLeads(),
		Pipeline:     sess.Store.StageLeadCounts(),
		LastSyncedAt: sess.Store.LastSyncedAt(),
		SyncErrors:   errCount,
	}
	return SuccessResponse(c, status)
}

// Connect handles POST /crm/connect
func (h *CRMHandler) Connect(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	authURL, err := sess.Lifecycle.StartConnect(ctx)
	if err != nil {
		return err
	}
	return SuccessResponse(c, ConnectResponse{AuthURL: authURL})
}

// Callback handles POST /crm/callback. A denied consent arrives with the
// error field set instead of a code.
func (h *CRMHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	var req CallbackRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if req.Error != "" {
		sess.Lifecycle.FailConnect(ctx, req.Error)
		return SuccessResponse(c, map[string]string{"state": string(sess.Lifecycle.State()), "reason": req.Error})
	}
	if req.Subdomain == "" {
		return BadRequest("subdomain is required")
	}
	if req.Code == "" {
		return BadRequest("code is required")
	}

	if err := sess.Lifecycle.CompleteConnect(ctx, req.Subdomain, req.Code); err != nil {
		return err
	}

	// First sync runs right away so the board fills without waiting a tick.
	go sess.Poller.RunCycle(context.WithoutCancel(ctx))

	return SuccessResponse(c, map[string]string{"state": string(sess.Lifecycle.State())})
}

// Disconnect handles POST /crm/disconnect
func (h *CRMHandler) Disconnect(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if err := sess.Lifecycle.Disconnect(ctx); err != nil {
		return err
	}
	return SuccessResponse(c, map[string]string{"state": string(sess.Lifecycle.State())})
}

// Sync handles POST /crm/sync, forcing an immediate reconciliation cycle
func (h *CRMHandler) Sync(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if !sess.Lifecycle.Connected() {
		return BadRequest("crm integration is not connected")
	}

	sess.Poller.RunCycle(ctx)

	errCount, lastErr := sess.Store.SyncErrors()
	return SuccessResponse(c, map[string]any{
		"last_synced_at": sess.Store.LastSyncedAt(),
		"sync_errors":    errCount,
		"last_error":     lastErr,
	})
}

// Health handles GET /crm/health, an on-demand per-capability probe of the
// remote integration
func (h *CRMHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	return SuccessResponse(c, sess.Lifecycle.HealthCheck(ctx))
}

// ListDeadLetters handles GET /crm/deadletters, abandoned remote writes
func (h *CRMHandler) ListDeadLetters(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if sess.DeadLetters == nil {
		return SuccessResponse(c, []any{})
	}

	limit := int64(100)
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return BadRequest("limit must be a positive integer")
		}
		limit = parsed
	}

	entries, err := sess.DeadLetters.List(ctx, tenantID.String(), limit)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entries)
}

// DeleteDeadLetter handles DELETE /crm/deadletters/:id
func (h *CRMHandler) DeleteDeadLetter(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if sess.DeadLetters == nil {
		return NotFound("dead letter queue is not configured")
	}

	if err := sess.DeadLetters.Remove(ctx, c.Param("id")); err != nil {
		return NotFound("dead letter entry %s not found", c.Param("id"))
	}
	return NoContentResponse(c)
}
