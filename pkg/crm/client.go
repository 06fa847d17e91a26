// Package crm is a REST client for an amoCRM-style remote system of record.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/httpclient"
)

// Config holds the OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// BaseDomain is the CRM's root domain, e.g. "amocrm.ru".
	BaseDomain string
}

// TokenPair is the result of an OAuth code exchange or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// CallGate throttles outbound API calls per account. Backoff is invoked when
// the remote answers 429 so every caller honors the cool-off.
type CallGate interface {
	Wait(ctx context.Context, key string) error
	Backoff(ctx context.Context, key string, d time.Duration) error
}

// Client talks to the remote CRM. OAuth operations are unauthenticated;
// API operations go through a tenant-bound Session.
type Client struct {
	cfg    Config
	http   *httpclient.Client
	eval   *expressions.Evaluator
	gate   CallGate
	logger ectologger.Logger
}

func New(cfg Config, httpClient *httpclient.Client, logger ectologger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		eval:   expressions.NewEvaluator(),
		logger: logger,
	}
}

// SetRateLimiter installs an outbound call gate. Without one API calls are
// unthrottled.
func (c *Client) SetRateLimiter(gate CallGate) {
	c.gate = gate
}

// BaseURL builds the account base URL for a subdomain. A value carrying a
// scheme is used as-is; one containing a dot is treated as a full host.
func (c *Client) BaseURL(subdomain string) string {
	if strings.Contains(subdomain, "://") {
		return strings.TrimSuffix(subdomain, "/")
	}
	if strings.Contains(subdomain, ".") {
		return "https://" + subdomain
	}
	return fmt.Sprintf("https://%s.%s", subdomain, c.cfg.BaseDomain)
}

// AuthorizeURL returns the URL the operator is redirected to for consent.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("state", state)
	q.Set("mode", "post_message")
	return fmt.Sprintf("https://www.%s/oauth?%s", c.cfg.BaseDomain, q.Encode())
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, subdomain, code string) (TokenPair, error) {
	return c.token(ctx, subdomain, map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  c.cfg.RedirectURI,
	})
}

// RefreshTokens rotates an expired access token. The remote also rotates
// the refresh token; callers must persist the returned pair.
func (c *Client) RefreshTokens(ctx context.Context, subdomain, refreshToken string) (TokenPair, error) {
	return c.token(ctx, subdomain, map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"redirect_uri":  c.cfg.RedirectURI,
	})
}

func (c *Client) token(ctx context.Context, subdomain string, payload map[string]string) (TokenPair, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL(subdomain)+"/oauth2/access_token", bytes.NewReader(body))
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return TokenPair{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return TokenPair{}, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, truncate(resp.Body, 200))
	}

	var pair TokenPair
	if err := json.Unmarshal(resp.Body, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return TokenPair{}, fmt.Errorf("token response missing tokens")
	}
	return pair, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
