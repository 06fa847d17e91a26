package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeAccountRepo struct {
	mu            sync.Mutex
	account       *models.CRMAccount
	upserts       int
	tokenUpdates  int
	deactivations int
}

func (f *fakeAccountRepo) Upsert(ctx context.Context, account *models.CRMAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	copied := *account
	f.account = &copied
	f.upserts++
	return nil
}

func (f *fakeAccountRepo) GetActive(ctx context.Context, tenantID uuid.UUID) (*models.CRMAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == nil || !f.account.IsActive || f.account.TenantID != tenantID {
		return nil, errors.New("no active crm account")
	}
	copied := *f.account
	return &copied, nil
}

func (f *fakeAccountRepo) ListActive(ctx context.Context) ([]models.CRMAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == nil || !f.account.IsActive {
		return nil, nil
	}
	return []models.CRMAccount{*f.account}, nil
}

func (f *fakeAccountRepo) UpdateTokens(ctx context.Context, tenantID uuid.UUID, accessToken, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == nil {
		return errors.New("no active crm account")
	}
	f.account.AccessToken = accessToken
	f.account.RefreshToken = refreshToken
	f.tokenUpdates++
	return nil
}

func (f *fakeAccountRepo) Deactivate(ctx context.Context, tenantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == nil {
		return errors.New("no crm account")
	}
	f.account.IsActive = false
	f.deactivations++
	return nil
}

func newTestManager(t *testing.T, repo *fakeAccountRepo) *Manager {
	t.Helper()
	cfg := crm.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/callback",
		BaseDomain:   "amocrm.ru",
	}
	client := crm.New(cfg, httpclient.NewClient(httpclient.DefaultConfig(), testLogger()), testLogger())
	return NewManager(uuid.New(), client, repo, nil, testLogger())
}

func tokenServer(t *testing.T, pair crm.TokenPair) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/access_token", r.URL.Path)
		json.NewEncoder(w).Encode(pair)
	}))
}

func TestStartConnectReturnsAuthorizeURL(t *testing.T) {
	m := newTestManager(t, &fakeAccountRepo{})

	u, err := m.StartConnect(context.Background())

	require.NoError(t, err)
	assert.Contains(t, u, "client_id=client-id")
	assert.Contains(t, u, "state="+m.tenantID.String())
	assert.Equal(t, StateConnecting, m.State())
	assert.False(t, m.Connected())
}

func TestCompleteConnectPersistsAccountAndConnects(t *testing.T) {
	ts := tokenServer(t, crm.TokenPair{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 86400})
	defer ts.Close()

	repo := &fakeAccountRepo{}
	m := newTestManager(t, repo)

	_, err := m.StartConnect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.CompleteConnect(context.Background(), ts.URL, "auth-code"))

	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.Connected())
	assert.Equal(t, ts.URL, m.Subdomain())
	assert.Equal(t, 1, repo.upserts)
	assert.Equal(t, "access", repo.account.AccessToken)
	assert.True(t, repo.account.IsActive)

	session, err := m.Session()
	require.NoError(t, err)
	assert.NotNil(t, session)
}

func TestCompleteConnectFailureDisconnects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"hint":"invalid code"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	m := newTestManager(t, &fakeAccountRepo{})

	_, err := m.StartConnect(context.Background())
	require.NoError(t, err)
	err = m.CompleteConnect(context.Background(), ts.URL, "bad-code")

	require.Error(t, err)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, "authorization failed", m.Reason())
	assert.False(t, m.Connected())
}

func TestFailConnectRecordsReason(t *testing.T) {
	m := newTestManager(t, &fakeAccountRepo{})

	_, err := m.StartConnect(context.Background())
	require.NoError(t, err)
	m.FailConnect(context.Background(), "access denied by operator")

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, "access denied by operator", m.Reason())
}

func TestStartConnectWhenAlreadyConnected(t *testing.T) {
	ts := tokenServer(t, crm.TokenPair{AccessToken: "access", RefreshToken: "refresh"})
	defer ts.Close()

	m := newTestManager(t, &fakeAccountRepo{})
	require.NoError(t, m.CompleteConnect(context.Background(), ts.URL, "auth-code"))

	_, err := m.StartConnect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestResumeFromActiveAccount(t *testing.T) {
	m := newTestManager(t, &fakeAccountRepo{})
	repo := &fakeAccountRepo{account: &models.CRMAccount{
		ID:           uuid.New(),
		TenantID:     m.tenantID,
		Subdomain:    "acme",
		AccessToken:  "access",
		RefreshToken: "refresh",
		IsActive:     true,
	}}
	m.accountRepo = repo

	require.NoError(t, m.Resume(context.Background()))

	assert.True(t, m.Connected())
	assert.Equal(t, "acme", m.Subdomain())
}

func TestResumeWithoutAccountStaysDisconnected(t *testing.T) {
	m := newTestManager(t, &fakeAccountRepo{})

	require.NoError(t, m.Resume(context.Background()))

	assert.False(t, m.Connected())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestAccessTokenUsesPersistedToken(t *testing.T) {
	ts := tokenServer(t, crm.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})
	defer ts.Close()

	m := newTestManager(t, &fakeAccountRepo{})
	require.NoError(t, m.CompleteConnect(context.Background(), ts.URL, "auth-code"))

	token, err := m.AccessToken(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
}

func TestAccessTokenWhenDisconnected(t *testing.T) {
	m := newTestManager(t, &fakeAccountRepo{})

	_, err := m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestForceRefreshRotatesAndPersists(t *testing.T) {
	var grant string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		grant = payload["grant_type"]
		if grant == "authorization_code" {
			json.NewEncoder(w).Encode(crm.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})
			return
		}
		require.Equal(t, "refresh-1", payload["refresh_token"])
		json.NewEncoder(w).Encode(crm.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresIn: 86400})
	}))
	defer ts.Close()

	repo := &fakeAccountRepo{}
	m := newTestManager(t, repo)
	require.NoError(t, m.CompleteConnect(context.Background(), ts.URL, "auth-code"))

	token, err := m.ForceRefresh(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "refresh_token", grant)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, 1, repo.tokenUpdates)
	assert.Equal(t, "refresh-2", repo.account.RefreshToken)
}

func TestForceRefreshAfterConcurrentDisconnect(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if payload["grant_type"] == "authorization_code" {
			json.NewEncoder(w).Encode(crm.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"})
			return
		}
		close(started)
		<-release
		json.NewEncoder(w).Encode(crm.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"})
	}))
	defer ts.Close()

	repo := &fakeAccountRepo{}
	m := newTestManager(t, repo)
	require.NoError(t, m.CompleteConnect(context.Background(), ts.URL, "auth-code"))

	done := make(chan error, 1)
	go func() {
		_, err := m.ForceRefresh(context.Background())
		done <- err
	}()

	// Disconnect while the refresh response is still pending.
	<-started
	require.NoError(t, m.Disconnect(context.Background()))
	close(release)

	err := <-done
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnect(t *testing.T) {
	ts := tokenServer(t, crm.TokenPair{AccessToken: "access", RefreshToken: "refresh"})
	defer ts.Close()

	repo := &fakeAccountRepo{}
	m := newTestManager(t, repo)
	require.NoError(t, m.CompleteConnect(context.Background(), ts.URL, "auth-code"))

	require.NoError(t, m.Disconnect(context.Background()))

	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.Connected())
	assert.Equal(t, 1, repo.deactivations)

	_, err := m.Session()
	assert.ErrorIs(t, err, ErrNotConnected)
}
