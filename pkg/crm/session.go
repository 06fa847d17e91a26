package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// TokenSource supplies the access token for API calls. ForceRefresh is
// invoked after a 401; implementations must rotate the token and persist
// the new pair before returning.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Session binds the client to one tenant's CRM account. It satisfies the
// mutation engine's RemoteWriter and the reconcile poller's SnapshotSource.
type Session struct {
	client    *Client
	tenantID  uuid.UUID
	subdomain string
	tokens    TokenSource
	ns        uuid.UUID
}

// NewSession creates a tenant-bound API session. Remote integer ids are
// mapped to local uuids deterministically per tenant so repeated snapshot
// fetches produce identical ids.
func (c *Client) NewSession(tenantID uuid.UUID, subdomain string, tokens TokenSource) *Session {
	return &Session{
		client:    c,
		tenantID:  tenantID,
		subdomain: subdomain,
		tokens:    tokens,
		ns:        uuid.NewSHA1(uuid.NameSpaceURL, []byte("clover/"+tenantID.String())),
	}
}

// localID maps a remote entity id to a stable local uuid.
func (s *Session) localID(kind string, remoteID int64) uuid.UUID {
	return uuid.NewSHA1(s.ns, []byte(fmt.Sprintf("%s:%d", kind, remoteID)))
}

// request performs an authenticated API call. On a 401 the token is
// refreshed and the request retried once.
func (s *Session) request(ctx context.Context, method, path string, payload any) (map[string]any, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	resp, err := s.send(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		token, err = s.tokens.ForceRefresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("token refresh after 401 failed: %w", err)
		}
		resp, err = s.send(ctx, method, path, body, token)
		if err != nil {
			return nil, err
		}
	}

	if httpclient.IsRateLimitStatus(resp.StatusCode) {
		wait := retryAfter(resp.Headers)
		if s.client.gate != nil {
			_ = s.client.gate.Backoff(ctx, s.subdomain, wait)
		}
		return nil, fmt.Errorf("crm request %s %s was rate limited (retry after %s)", method, path, wait)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("crm request %s %s failed with status %d: %s", method, path, resp.StatusCode, truncate(resp.Body, 200))
	}

	if len(resp.Body) == 0 {
		return nil, nil
	}
	if err := httpclient.ParseResponse(resp); err != nil {
		return nil, fmt.Errorf("failed to decode crm response: %w", err)
	}
	if decoded, ok := resp.BodyJSON.(map[string]any); ok {
		return decoded, nil
	}
	// The remote does not always label JSON bodies with a content type.
	var decoded map[string]any
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode crm response: %w", err)
	}
	return decoded, nil
}

func (s *Session) send(ctx context.Context, method, path string, body []byte, token string) (*httpclient.Response, error) {
	if s.client.gate != nil {
		if err := s.client.gate.Wait(ctx, s.subdomain); err != nil {
			return nil, fmt.Errorf("crm request %s %s throttled: %w", method, path, err)
		}
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.client.BaseURL(s.subdomain)+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := s.client.http.Do(ctx, req)
	if err != nil {
		metrics.RecordHTTPRequest(method, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordHTTPRequest(method, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	return resp, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(headers map[string]string) time.Duration {
	raw, ok := headers["Retry-After"]
	if !ok {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// FetchSnapshot pulls the tenant's main pipeline and open leads.
func (s *Session) FetchSnapshot(ctx context.Context) (models.RemoteSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "Session.FetchSnapshot")
	defer span.End()

	pipeline, err := s.fetchPipeline(ctx)
	if err != nil {
		return models.RemoteSnapshot{}, err
	}

	snapshot := models.RemoteSnapshot{
		Pipeline:  pipeline,
		FetchedAt: time.Now().UTC(),
	}
	if pipeline == nil {
		return snapshot, nil
	}

	leads, err := s.fetchLeads(ctx, pipeline)
	if err != nil {
		return models.RemoteSnapshot{}, err
	}
	snapshot.Leads = leads
	return snapshot, nil
}

// fetchPipeline returns the remote's main pipeline, or nil when the account
// has none yet.
func (s *Session) fetchPipeline(ctx context.Context) (*models.Pipeline, error) {
	body, err := s.request(ctx, http.MethodGet, "/api/v4/leads/pipelines", nil)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.eval.EvaluateSlice("_embedded.pipelines", body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// Prefer the pipeline flagged as main; fall back to the first one.
	chosen := raw[0]
	for _, p := range raw {
		if isMain, _ := s.client.eval.EvaluateBool("is_main", p); isMain {
			chosen = p
			break
		}
	}

	remoteID, err := s.client.eval.EvaluateInt("id", chosen)
	if err != nil {
		return nil, fmt.Errorf("pipeline missing id: %w", err)
	}
	name, _ := s.client.eval.EvaluateString("name", chosen)

	pipeline := &models.Pipeline{
		ID:        s.localID("pipeline", int64(remoteID)),
		TenantID:  s.tenantID,
		RemoteID:  int64(remoteID),
		Name:      name,
		IsDefault: true,
	}

	statuses, err := s.client.eval.EvaluateSlice("_embedded.statuses", chosen)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		statusID, err := s.client.eval.EvaluateInt("id", st)
		if err != nil {
			continue
		}
		stageName, _ := s.client.eval.EvaluateString("name", st)
		order, _ := s.client.eval.EvaluateInt("sort", st)
		pipeline.Stages = append(pipeline.Stages, models.Stage{
			ID:         s.localID("status", int64(statusID)),
			PipelineID: pipeline.ID,
			RemoteID:   int64(statusID),
			Name:       stageName,
			Order:      order,
		})
	}
	sort.Slice(pipeline.Stages, func(i, j int) bool { return pipeline.Stages[i].Order < pipeline.Stages[j].Order })
	for i := range pipeline.Stages {
		pipeline.Stages[i].Order = i
	}
	return pipeline, nil
}

func (s *Session) fetchLeads(ctx context.Context, pipeline *models.Pipeline) ([]models.Lead, error) {
	body, err := s.request(ctx, http.MethodGet, "/api/v4/leads?limit=250", nil)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.eval.EvaluateSlice("_embedded.leads", body)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	leads := make([]models.Lead, 0, len(raw))
	for _, item := range raw {
		remoteID, err := s.client.eval.EvaluateInt("id", item)
		if err != nil {
			continue
		}
		name, _ := s.client.eval.EvaluateString("name", item)
		price, _ := s.client.eval.EvaluateInt("price", item)
		statusID, _ := s.client.eval.EvaluateInt("status_id", item)

		lead := models.Lead{
			ID:           s.localID("lead", int64(remoteID)),
			TenantID:     s.tenantID,
			RemoteID:     int64(remoteID),
			ContactName:  name,
			StageID:      s.localID("status", int64(statusID)),
			Value:        float64(price),
			LastSyncedAt: &now,
		}
		if stage := pipeline.StageByID(lead.StageID); stage != nil {
			lead.Status = stage.Name
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

// CreatePipeline pushes a pipeline with its stages to the remote.
func (s *Session) CreatePipeline(ctx context.Context, pipeline models.Pipeline) error {
	ctx, span := tracing.StartSpan(ctx, "Session.CreatePipeline")
	defer span.End()

	statuses := make([]map[string]any, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		statuses = append(statuses, map[string]any{
			"name": stage.Name,
			"sort": (stage.Order + 1) * 10,
		})
	}

	_, err := s.request(ctx, http.MethodPost, "/api/v4/leads/pipelines", []map[string]any{{
		"name":    pipeline.Name,
		"is_main": pipeline.IsDefault,
		"_embedded": map[string]any{
			"statuses": statuses,
		},
	}})
	return err
}

// CreateLead creates the contact then the lead on the remote and returns the
// remote lead id.
func (s *Session) CreateLead(ctx context.Context, lead models.Lead) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Session.CreateLead")
	defer span.End()

	contactID, err := s.createContact(ctx, lead)
	if err != nil {
		return 0, err
	}

	payload := map[string]any{
		"name": leadName(lead),
	}
	if lead.Value > 0 {
		payload["price"] = int64(lead.Value)
	}
	if contactID != 0 {
		payload["_embedded"] = map[string]any{
			"contacts": []map[string]any{{"id": contactID}},
		}
	}

	body, err := s.request(ctx, http.MethodPost, "/api/v4/leads", []map[string]any{payload})
	if err != nil {
		return 0, err
	}

	remoteID, err := s.client.eval.EvaluateInt("_embedded.leads[0].id", body)
	if err != nil || remoteID == 0 {
		return 0, fmt.Errorf("crm lead create response missing id")
	}
	return int64(remoteID), nil
}

func (s *Session) createContact(ctx context.Context, lead models.Lead) (int64, error) {
	fields := make([]map[string]any, 0, 3)
	if phone, ok := lead.ContactInfo["phone"].(string); ok && phone != "" {
		fields = append(fields, customField("PHONE", phone, "WORK"))
	}
	if email, ok := lead.ContactInfo["email"].(string); ok && email != "" {
		fields = append(fields, customField("EMAIL", email, "WORK"))
	}
	if im, ok := lead.ContactInfo["username"].(string); ok && im != "" {
		fields = append(fields, customField("IM", im, "OTHER"))
	}

	payload := map[string]any{"name": lead.ContactName}
	if len(fields) > 0 {
		payload["custom_fields_values"] = fields
	}

	body, err := s.request(ctx, http.MethodPost, "/api/v4/contacts", []map[string]any{payload})
	if err != nil {
		return 0, err
	}

	contactID, err := s.client.eval.EvaluateInt("_embedded.contacts[0].id", body)
	if err != nil {
		return 0, fmt.Errorf("crm contact create response missing id")
	}
	return int64(contactID), nil
}

func customField(code, value, enumCode string) map[string]any {
	return map[string]any{
		"field_code": code,
		"values":     []map[string]any{{"value": value, "enum_code": enumCode}},
	}
}

func leadName(lead models.Lead) string {
	channel := lead.Channel
	if channel == "" {
		channel = "Direct"
	}
	contact := lead.ContactName
	if contact == "" {
		contact = "Unknown"
	}
	return channel + " - " + contact
}

// UpdateLeadStage moves the remote lead to the stage's remote status.
func (s *Session) UpdateLeadStage(ctx context.Context, lead models.Lead, stage models.Stage) error {
	ctx, span := tracing.StartSpan(ctx, "Session.UpdateLeadStage")
	defer span.End()

	if lead.RemoteID == 0 {
		return fmt.Errorf("lead %s has no remote id yet", lead.ID)
	}
	if stage.RemoteID == 0 {
		return fmt.Errorf("stage %s has no remote id yet", stage.ID)
	}

	_, err := s.request(ctx, http.MethodPatch, "/api/v4/leads", []map[string]any{{
		"id":        lead.RemoteID,
		"status_id": stage.RemoteID,
	}})
	return err
}

// AddNote attaches a plain text note to a remote lead.
func (s *Session) AddNote(ctx context.Context, remoteLeadID int64, text string) error {
	ctx, span := tracing.StartSpan(ctx, "Session.AddNote")
	defer span.End()

	_, err := s.request(ctx, http.MethodPost, fmt.Sprintf("/api/v4/leads/%d/notes", remoteLeadID), []map[string]any{{
		"note_type": "common",
		"params":    map[string]any{"text": text},
	}})
	return err
}

// Account fetches the remote account record; used by health checks.
func (s *Session) Account(ctx context.Context) (map[string]any, error) {
	return s.request(ctx, http.MethodGet, "/api/v4/account", nil)
}

// HealthCheck probes each remote capability the integration depends on and
// reports per-capability status. Probes are read-only and leave no state
// behind on either side.
func (s *Session) HealthCheck(ctx context.Context) map[string]models.CapabilityStatus {
	ctx, span := tracing.StartSpan(ctx, "Session.HealthCheck")
	defer span.End()

	probes := []struct {
		capability string
		path       string
	}{
		{"account", "/api/v4/account"},
		{"pipelines", "/api/v4/leads/pipelines"},
		{"leads", "/api/v4/leads?limit=1"},
	}

	result := make(map[string]models.CapabilityStatus, len(probes))
	for _, probe := range probes {
		if _, err := s.request(ctx, http.MethodGet, probe.path, nil); err != nil {
			result[probe.capability] = models.CapabilityStatus{Status: "error", Detail: err.Error()}
			continue
		}
		result[probe.capability] = models.CapabilityStatus{Status: "ok"}
	}
	return result
}
