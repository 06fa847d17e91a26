// Package lifecycle drives a tenant's CRM integration through its
// disconnected, connecting and connected states and owns the OAuth tokens
// for the connected account.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// State is the integration lifecycle state for a tenant.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var (
	// ErrNotConnected is returned by operations that require a connected account
	ErrNotConnected = errors.New("crm integration is not connected")

	// ErrAlreadyConnected is returned when a connect is started on a connected tenant
	ErrAlreadyConnected = errors.New("crm integration is already connected")

	// ErrTokenNotFound is returned when a cached token is not found
	ErrTokenNotFound = errors.New("cached token not found")
)

const (
	// DefaultSkewSeconds refreshes tokens this long before their expiry
	DefaultSkewSeconds = 60

	// DefaultTTLSeconds is the cache TTL when the remote reports no expiry
	DefaultTTLSeconds = 3600

	// CacheKeyPrefix is the prefix for CRM token cache keys
	CacheKeyPrefix = "crm:token:"
)

// CachedToken is the redis representation of a tenant's access token.
type CachedToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// IsExpired checks if the token is expired (with skew)
func (t *CachedToken) IsExpired(skewSeconds int) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() >= (t.ExpiresAt - int64(skewSeconds))
}

// Manager owns one tenant's integration lifecycle. It satisfies the mutation
// engine's ConnectionGate and the crm session's TokenSource.
type Manager struct {
	tenantID    uuid.UUID
	client      *crm.Client
	accountRepo repositories.AccountRepo
	redisClient *redis.Client
	logger      ectologger.Logger

	mu      sync.RWMutex
	state   State
	reason  string
	account *models.CRMAccount
	session *crm.Session
}

// NewManager creates a lifecycle manager for a tenant, starting disconnected.
func NewManager(
	tenantID uuid.UUID,
	client *crm.Client,
	accountRepo repositories.AccountRepo,
	redisClient *redis.Client,
	logger ectologger.Logger,
) *Manager {
	m := &Manager{
		tenantID:    tenantID,
		client:      client,
		accountRepo: accountRepo,
		redisClient: redisClient,
		logger:      logger,
	}
	m.setState(StateDisconnected, "")
	return m
}

// Resume restores the connected state from a persisted active account. Called
// on startup; a tenant without an active account stays disconnected.
func (m *Manager) Resume(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "LifecycleManager.Resume")
	defer span.End()

	account, err := m.accountRepo.GetActive(ctx, m.tenantID)
	if err != nil {
		return nil
	}

	m.mu.Lock()
	m.account = account
	m.session = m.client.NewSession(m.tenantID, account.Subdomain, m)
	m.mu.Unlock()
	m.setState(StateConnected, "")

	m.logger.WithContext(ctx).Infof("Resumed CRM integration for tenant %s (%s)", m.tenantID, account.Subdomain)
	return nil
}

// StartConnect begins the OAuth flow and returns the consent URL. The tenant
// id rides along as the OAuth state parameter.
func (m *Manager) StartConnect(ctx context.Context) (string, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state == StateConnected {
		return "", ErrAlreadyConnected
	}

	m.setState(StateConnecting, "")
	return m.client.AuthorizeURL(m.tenantID.String()), nil
}

// CompleteConnect finishes the OAuth flow with the callback's code. The token
// pair is persisted before the state flips to connected.
func (m *Manager) CompleteConnect(ctx context.Context, subdomain, code string) error {
	ctx, span := tracing.StartSpan(ctx, "LifecycleManager.CompleteConnect")
	defer span.End()

	pair, err := m.client.ExchangeCode(ctx, subdomain, code)
	if err != nil {
		m.setState(StateDisconnected, "authorization failed")
		return fmt.Errorf("code exchange failed: %w", err)
	}

	account := &models.CRMAccount{
		TenantID:     m.tenantID,
		Subdomain:    subdomain,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		IsActive:     true,
	}
	if err := m.accountRepo.Upsert(ctx, account); err != nil {
		m.setState(StateDisconnected, "failed to persist account")
		return fmt.Errorf("failed to persist crm account: %w", err)
	}

	m.cacheToken(ctx, pair)

	m.mu.Lock()
	m.account = account
	m.session = m.client.NewSession(m.tenantID, subdomain, m)
	m.mu.Unlock()
	m.setState(StateConnected, "")

	m.logger.WithContext(ctx).Infof("CRM integration connected for tenant %s (%s)", m.tenantID, subdomain)
	return nil
}

// FailConnect aborts a pending connect, e.g. when the operator denies consent.
func (m *Manager) FailConnect(ctx context.Context, reason string) {
	m.setState(StateDisconnected, reason)
	m.logger.WithContext(ctx).Warnf("CRM connect failed for tenant %s: %s", m.tenantID, reason)
}

// Disconnect deactivates the account and drops cached credentials. Local
// leads survive a disconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "LifecycleManager.Disconnect")
	defer span.End()

	if err := m.accountRepo.Deactivate(ctx, m.tenantID); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to deactivate crm account")
	}
	if m.redisClient != nil {
		if err := m.redisClient.Del(ctx, m.cacheKey()); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("Failed to drop cached crm token")
		}
	}

	m.mu.Lock()
	m.account = nil
	m.session = nil
	m.mu.Unlock()
	m.setState(StateDisconnected, "")

	m.logger.WithContext(ctx).Infof("CRM integration disconnected for tenant %s", m.tenantID)
	return nil
}

// Connected reports whether remote writes and polling may proceed.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reason returns why the last connect attempt failed, if it did.
func (m *Manager) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Subdomain returns the connected account's subdomain, empty when disconnected.
func (m *Manager) Subdomain() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return ""
	}
	return m.account.Subdomain
}

// Session returns the API session for the connected account.
func (m *Manager) Session() (*crm.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.session == nil {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

// HealthCheck probes the connected account's remote capabilities on demand.
// The result never feeds back into the lifecycle state; a failing probe is
// diagnostic, not a disconnect.
func (m *Manager) HealthCheck(ctx context.Context) map[string]models.CapabilityStatus {
	session, err := m.Session()
	if err != nil {
		return map[string]models.CapabilityStatus{
			"integration": {Status: string(m.State()), Detail: m.Reason()},
		}
	}
	return session.HealthCheck(ctx)
}

// AccessToken returns a valid access token, from cache when possible.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	account := m.account
	m.mu.RUnlock()
	if account == nil {
		return "", ErrNotConnected
	}

	cached, err := m.getCachedToken(ctx)
	if err == nil && !cached.IsExpired(DefaultSkewSeconds) {
		return cached.AccessToken, nil
	}
	if account.AccessToken != "" && err != nil {
		// Cache miss with a persisted token; use it and let a 401 force the refresh.
		return account.AccessToken, nil
	}

	return m.ForceRefresh(ctx)
}

// ForceRefresh rotates the token pair and persists it. Called after a 401 or
// when the cached token expired.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "LifecycleManager.ForceRefresh")
	defer span.End()

	m.mu.RLock()
	account := m.account
	m.mu.RUnlock()
	if account == nil {
		return "", ErrNotConnected
	}

	pair, err := m.client.RefreshTokens(ctx, account.Subdomain, account.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(m.tenantID.String(), "failure").Inc()
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	metrics.TokenRefreshes.WithLabelValues(m.tenantID.String(), "success").Inc()

	if err := m.accountRepo.UpdateTokens(ctx, m.tenantID, pair.AccessToken, pair.RefreshToken); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to persist rotated crm tokens")
	}

	// A disconnect can land while the refresh call is in flight; the account
	// is gone by the time the rotated pair comes back.
	m.mu.Lock()
	if m.account == nil {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	m.account.AccessToken = pair.AccessToken
	m.account.RefreshToken = pair.RefreshToken
	m.mu.Unlock()

	m.cacheToken(ctx, pair)
	return pair.AccessToken, nil
}

// setState flips the state and keeps the lifecycle gauge in step.
func (m *Manager) setState(state State, reason string) {
	m.mu.Lock()
	m.state = state
	m.reason = reason
	m.mu.Unlock()

	var value float64
	switch state {
	case StateConnecting:
		value = 1
	case StateConnected:
		value = 2
	}
	metrics.IntegrationState.WithLabelValues(m.tenantID.String()).Set(value)
}

// getCachedToken retrieves a token from Redis cache
func (m *Manager) getCachedToken(ctx context.Context) (*CachedToken, error) {
	if m.redisClient == nil {
		return nil, ErrTokenNotFound
	}
	data, err := m.redisClient.Get(ctx, m.cacheKey())
	if err != nil {
		return nil, ErrTokenNotFound
	}

	var token CachedToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}
	return &token, nil
}

// cacheToken stores a token in Redis cache; failures only cost a refresh later.
func (m *Manager) cacheToken(ctx context.Context, pair crm.TokenPair) {
	if m.redisClient == nil {
		return
	}
	token := CachedToken{
		AccessToken: pair.AccessToken,
		CreatedAt:   time.Now().Unix(),
	}
	ttl := time.Duration(DefaultTTLSeconds) * time.Second
	if pair.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Unix() + int64(pair.ExpiresIn)
		if remaining := pair.ExpiresIn - DefaultSkewSeconds; remaining > 0 {
			ttl = time.Duration(remaining) * time.Second
		}
	}

	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	if err := m.redisClient.Set(ctx, m.cacheKey(), string(data), ttl); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to cache crm token")
	}
}

// cacheKey generates the redis key for this tenant's token
func (m *Manager) cacheKey() string {
	return fmt.Sprintf("%s%s", CacheKeyPrefix, m.tenantID)
}
