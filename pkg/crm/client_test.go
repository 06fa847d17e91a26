package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/callback",
		BaseDomain:   "amocrm.ru",
	}
	return New(cfg, httpclient.NewClient(httpclient.DefaultConfig(), testLogger()), testLogger())
}

type staticTokens struct {
	token     string
	refreshed atomic.Int64
}

func (s *staticTokens) AccessToken(ctx context.Context) (string, error) { return s.token, nil }

func (s *staticTokens) ForceRefresh(ctx context.Context) (string, error) {
	s.refreshed.Add(1)
	s.token = "refreshed-token"
	return s.token, nil
}

func TestBaseURL(t *testing.T) {
	client := newTestClient(t)

	assert.Equal(t, "https://acme.amocrm.ru", client.BaseURL("acme"))
	assert.Equal(t, "https://acme.kommo.com", client.BaseURL("acme.kommo.com"))
	assert.Equal(t, "http://127.0.0.1:9999", client.BaseURL("http://127.0.0.1:9999/"))
}

func TestAuthorizeURLCarriesClientIDAndState(t *testing.T) {
	client := newTestClient(t)

	u := client.AuthorizeURL("tenant-state")

	assert.Contains(t, u, "https://www.amocrm.ru/oauth?")
	assert.Contains(t, u, "client_id=client-id")
	assert.Contains(t, u, "state=tenant-state")
}

func TestExchangeCode(t *testing.T) {
	var payload map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/oauth2/access_token", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(TokenPair{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 86400})
	}))
	defer ts.Close()

	client := newTestClient(t)
	pair, err := client.ExchangeCode(context.Background(), ts.URL, "auth-code")

	require.NoError(t, err)
	assert.Equal(t, "access", pair.AccessToken)
	assert.Equal(t, "refresh", pair.RefreshToken)
	assert.Equal(t, "authorization_code", payload["grant_type"])
	assert.Equal(t, "auth-code", payload["code"])
	assert.Equal(t, "https://app.example.com/callback", payload["redirect_uri"])
}

func TestRefreshTokens(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "refresh_token", payload["grant_type"])
		require.Equal(t, "old-refresh", payload["refresh_token"])
		json.NewEncoder(w).Encode(TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 86400})
	}))
	defer ts.Close()

	client := newTestClient(t)
	pair, err := client.RefreshTokens(context.Background(), ts.URL, "old-refresh")

	require.NoError(t, err)
	assert.Equal(t, "new-access", pair.AccessToken)
	assert.Equal(t, "new-refresh", pair.RefreshToken)
}

func TestExchangeCodeRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"hint":"invalid code"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	client := newTestClient(t)
	_, err := client.ExchangeCode(context.Background(), ts.URL, "bad-code")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestRequestRefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			require.Equal(t, "Bearer stale-token", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"id": 42})
	}))
	defer ts.Close()

	client := newTestClient(t)
	tokens := &staticTokens{token: "stale-token"}
	session := client.NewSession(uuid.New(), ts.URL, tokens)

	body, err := session.Account(context.Background())

	require.NoError(t, err)
	assert.Equal(t, float64(42), body["id"])
	assert.Equal(t, int64(1), tokens.refreshed.Load())
	assert.Equal(t, int64(2), calls.Load())
}

func TestFetchSnapshotMapsPipelineAndLeads(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/leads/pipelines":
			json.NewEncoder(w).Encode(map[string]any{
				"_embedded": map[string]any{
					"pipelines": []map[string]any{{
						"id":      7001,
						"name":    "Sales",
						"is_main": true,
						"_embedded": map[string]any{
							"statuses": []map[string]any{
								{"id": 101, "name": "Contacted", "sort": 20},
								{"id": 100, "name": "New", "sort": 10},
							},
						},
					}},
				},
			})
		case "/api/v4/leads":
			json.NewEncoder(w).Encode(map[string]any{
				"_embedded": map[string]any{
					"leads": []map[string]any{
						{"id": 9001, "name": "Telegram - Ada", "price": 1200, "status_id": 101},
						{"id": 9002, "name": "Web - Bob", "price": 0, "status_id": 100},
					},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	snapshot, err := session.FetchSnapshot(context.Background())

	require.NoError(t, err)
	require.NotNil(t, snapshot.Pipeline)
	assert.Equal(t, int64(7001), snapshot.Pipeline.RemoteID)
	require.Len(t, snapshot.Pipeline.Stages, 2)
	assert.Equal(t, "New", snapshot.Pipeline.Stages[0].Name)
	assert.Equal(t, 0, snapshot.Pipeline.Stages[0].Order)
	assert.Equal(t, "Contacted", snapshot.Pipeline.Stages[1].Name)
	assert.Equal(t, 1, snapshot.Pipeline.Stages[1].Order)

	require.Len(t, snapshot.Leads, 2)
	assert.Equal(t, int64(9001), snapshot.Leads[0].RemoteID)
	assert.Equal(t, float64(1200), snapshot.Leads[0].Value)
	assert.Equal(t, "Contacted", snapshot.Leads[0].Status)
	assert.Equal(t, snapshot.Pipeline.Stages[1].ID, snapshot.Leads[0].StageID)
	assert.False(t, snapshot.FetchedAt.IsZero())
}

func TestFetchSnapshotIDsAreStableAcrossFetches(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/leads/pipelines":
			json.NewEncoder(w).Encode(map[string]any{
				"_embedded": map[string]any{
					"pipelines": []map[string]any{{
						"id": 7001, "name": "Sales", "is_main": true,
						"_embedded": map[string]any{
							"statuses": []map[string]any{{"id": 100, "name": "New", "sort": 10}},
						},
					}},
				},
			})
		case "/api/v4/leads":
			json.NewEncoder(w).Encode(map[string]any{
				"_embedded": map[string]any{
					"leads": []map[string]any{{"id": 9001, "name": "Web - Bob", "status_id": 100}},
				},
			})
		}
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	first, err := session.FetchSnapshot(context.Background())
	require.NoError(t, err)
	second, err := session.FetchSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Pipeline.ID, second.Pipeline.ID)
	assert.Equal(t, first.Pipeline.Stages[0].ID, second.Pipeline.Stages[0].ID)
	assert.Equal(t, first.Leads[0].ID, second.Leads[0].ID)
}

func TestFetchSnapshotEmptyAccount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v4/leads/pipelines", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"_embedded": map[string]any{"pipelines": []any{}}})
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	snapshot, err := session.FetchSnapshot(context.Background())

	require.NoError(t, err)
	assert.Nil(t, snapshot.Pipeline)
	assert.Empty(t, snapshot.Leads)
}

func TestCreateLeadCreatesContactFirst(t *testing.T) {
	var contactPayload, leadPayload []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/contacts":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&contactPayload))
			json.NewEncoder(w).Encode(map[string]any{
				"_embedded": map[string]any{"contacts": []map[string]any{{"id": 555}}},
			})
		case "/api/v4/leads":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&leadPayload))
			json.NewEncoder(w).Encode(map[string]any{
				"_embedded": map[string]any{"leads": []map[string]any{{"id": 9100}}},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	lead := models.Lead{
		ID:          uuid.New(),
		ContactName: "Ada Lovelace",
		ContactInfo: map[string]any{"phone": "+15550100", "email": "ada@example.com"},
		Channel:     "Telegram",
		Value:       2500,
	}
	remoteID, err := session.CreateLead(context.Background(), lead)

	require.NoError(t, err)
	assert.Equal(t, int64(9100), remoteID)

	require.Len(t, contactPayload, 1)
	assert.Equal(t, "Ada Lovelace", contactPayload[0]["name"])
	fields, ok := contactPayload[0]["custom_fields_values"].([]any)
	require.True(t, ok)
	assert.Len(t, fields, 2)

	require.Len(t, leadPayload, 1)
	assert.Equal(t, "Telegram - Ada Lovelace", leadPayload[0]["name"])
	assert.Equal(t, float64(2500), leadPayload[0]["price"])
}

func TestUpdateLeadStage(t *testing.T) {
	var payload []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/api/v4/leads", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	lead := models.Lead{ID: uuid.New(), RemoteID: 9001}
	stage := models.Stage{ID: uuid.New(), RemoteID: 101, Name: "Qualified"}
	err := session.UpdateLeadStage(context.Background(), lead, stage)

	require.NoError(t, err)
	require.Len(t, payload, 1)
	assert.Equal(t, float64(9001), payload[0]["id"])
	assert.Equal(t, float64(101), payload[0]["status_id"])
}

func TestUpdateLeadStageRequiresRemoteIDs(t *testing.T) {
	client := newTestClient(t)
	session := client.NewSession(uuid.New(), "acme", &staticTokens{token: "token"})

	err := session.UpdateLeadStage(context.Background(), models.Lead{ID: uuid.New()}, models.Stage{RemoteID: 101})
	assert.Error(t, err)

	err = session.UpdateLeadStage(context.Background(), models.Lead{ID: uuid.New(), RemoteID: 9001}, models.Stage{})
	assert.Error(t, err)
}

func TestAddNote(t *testing.T) {
	var payload []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v4/leads/9001/notes", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	require.NoError(t, session.AddNote(context.Background(), 9001, "First message: hello"))

	require.Len(t, payload, 1)
	assert.Equal(t, "common", payload[0]["note_type"])
	params, ok := payload[0]["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "First message: hello", params["text"])
}

func TestRequestDecodesByContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": 7})
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	body, err := session.Account(context.Background())

	require.NoError(t, err)
	assert.Equal(t, float64(7), body["id"])
}

func TestHealthCheckReportsPerCapability(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/account", "/api/v4/leads/pipelines":
			json.NewEncoder(w).Encode(map[string]any{})
		case "/api/v4/leads":
			http.Error(w, `{"title":"server error"}`, http.StatusInternalServerError)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(t)
	session := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})

	result := session.HealthCheck(context.Background())

	require.Len(t, result, 3)
	assert.Equal(t, "ok", result["account"].Status)
	assert.Equal(t, "ok", result["pipelines"].Status)
	assert.Equal(t, "error", result["leads"].Status)
	assert.Contains(t, result["leads"].Detail, "status 500")
}

type recordingGate struct {
	waits    atomic.Int64
	backoffs atomic.Int64
	cooloff  atomic.Int64
}

func (g *recordingGate) Wait(ctx context.Context, key string) error {
	g.waits.Add(1)
	return nil
}

func (g *recordingGate) Backoff(ctx context.Context, key string, d time.Duration) error {
	g.backoffs.Add(1)
	g.cooloff.Store(int64(d))
	return nil
}

func TestRequestWaitsOnGate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 1})
	}))
	defer ts.Close()

	client := newTestClient(t)
	gate := &recordingGate{}
	client.SetRateLimiter(gate)

	sess := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})
	_, err := sess.Account(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(1), gate.waits.Load())
	assert.Equal(t, int64(0), gate.backoffs.Load())
}

func TestRequestBacksOffOn429(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := newTestClient(t)
	gate := &recordingGate{}
	client.SetRateLimiter(gate)

	sess := client.NewSession(uuid.New(), ts.URL, &staticTokens{token: "token"})
	_, err := sess.Account(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, int64(1), gate.backoffs.Load())
	assert.Equal(t, int64(3*time.Second), gate.cooloff.Load())
}
