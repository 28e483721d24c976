// Package oauth implements the client-credentials flow the services use
// against the auth server: a shared token pair per process, refresh-once
// retry on 401/403, and cached introspection for resource servers.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

// expirySkew renews tokens slightly before their announced expiry so an
// in-flight request does not race the deadline.
const expirySkew = 30 * time.Second

// Client holds one process-wide token pair and hands out authorized calls.
// All goroutines share the pair; concurrent renewals collapse into one
// upstream request.
type Client struct {
	httpc        *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	scopes       []string
	logger       *slog.Logger

	// loginAttempts/loginWait govern the initial credential exchange, which
	// must survive the auth server booting later than its consumers.
	loginAttempts uint64
	loginWait     time.Duration

	mu        sync.Mutex
	access    string
	refresh   string
	expiresAt time.Time

	group singleflight.Group
}

// NewClient builds a Client for the given credentials and scope set.
func NewClient(cfg config.AuthClient, scopes []string, logger *slog.Logger) *Client {
	return &Client{
		httpc: &http.Client{
			Timeout:   15 * time.Second,
			Transport: tracing.HTTPTransport(nil),
		},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		scopes:        scopes,
		logger:        logger,
		loginAttempts: 3,
		loginWait:     10 * time.Second,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Token returns a valid access token, logging in or refreshing as needed.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.access != "" && time.Now().Before(c.expiresAt.Add(-expirySkew)) {
		tok := c.access
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()
	return c.renew(ctx)
}

// Invalidate drops the current access token if it still matches stale, so
// the next Token call renews. Stale tokens observed by a losing goroutine
// leave a newer pair untouched.
func (c *Client) Invalidate(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access == stale {
		c.access = ""
	}
}

// renew refreshes or re-logs-in. Concurrent callers share one attempt.
func (c *Client) renew(ctx context.Context) (string, error) {
	v, err, _ := c.group.Do("renew", func() (any, error) {
		c.mu.Lock()
		refresh := c.refresh
		access := c.access
		expiresAt := c.expiresAt
		c.mu.Unlock()

		// Another caller may have renewed while we waited on the group.
		if access != "" && time.Now().Before(expiresAt.Add(-expirySkew)) {
			return access, nil
		}

		if refresh != "" {
			tok, err := c.refreshGrant(ctx, refresh)
			if err == nil {
				return tok, nil
			}
			c.logger.Warn("token refresh failed, falling back to login", slog.String("error", err.Error()))
		}
		return c.login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// login exchanges the client credentials, retrying on transient failures so
// a cold-started stack settles without operator help.
func (c *Client) login(ctx context.Context) (string, error) {
	var out tokenResponse
	op := func() error {
		status, err := c.postJSON(ctx, "/api/oauth2/token", map[string]any{
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
			"scopes":        c.scopes,
		}, &out)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			return nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			// Bad credentials do not heal with retries.
			return backoff.Permanent(&apperr.AuthenticationError{Reason: "client credentials rejected"})
		default:
			return &apperr.APIClientError{Status: status, URL: c.baseURL + "/api/oauth2/token"}
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.loginWait), c.loginAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("oauth login: %w", err)
	}

	c.mu.Lock()
	c.access = out.AccessToken
	c.refresh = out.RefreshToken
	c.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	c.mu.Unlock()
	c.logger.Info("oauth login complete", slog.String("client_id", c.clientID))
	return out.AccessToken, nil
}

// refreshGrant swaps the refresh token for a new access token, retrying
// transient failures under the same policy as login. A rejected grant is
// permanent; renew then falls back to a full login. The refresh token itself
// stays valid until its own expiry.
func (c *Client) refreshGrant(ctx context.Context, refresh string) (string, error) {
	var out tokenResponse
	op := func() error {
		status, err := c.postJSON(ctx, "/api/oauth2/token_refresh", map[string]any{
			"refresh_token": refresh,
			"scopes":        c.scopes,
		}, &out)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			return nil
		case status >= 500:
			return &apperr.APIClientError{Status: status, URL: c.baseURL + "/api/oauth2/token_refresh"}
		default:
			return backoff.Permanent(&apperr.AuthenticationError{Reason: fmt.Sprintf("refresh rejected with %d", status)})
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.loginWait), c.loginAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("oauth refresh: %w", err)
	}

	c.mu.Lock()
	c.access = out.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return out.AccessToken, nil
}

// postJSON posts to the auth server without authorization headers.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, apperr.Validationf("marshal %s body: %v", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, &apperr.Transient{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apperr.Validationf("decode %s response: %v", path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

// DoJSON performs an authorized request against a collaborator service.
// On 401/403 the token is renewed and the request replayed exactly once; a
// second rejection surfaces as AuthenticationError. Non-2xx statuses map to
// APIClientError. out is decoded only on 2xx and may be nil.
func (c *Client) DoJSON(ctx context.Context, method, url string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return 0, apperr.Validationf("marshal request body: %v", err)
		}
	}

	tok, err := c.Token(ctx)
	if err != nil {
		return 0, err
	}

	status, payload, err := c.send(ctx, method, url, body, tok)
	if err != nil {
		return 0, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.Invalidate(tok)
		tok, err = c.Token(ctx)
		if err != nil {
			return 0, err
		}
		status, payload, err = c.send(ctx, method, url, body, tok)
		if err != nil {
			return 0, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return status, &apperr.AuthenticationError{Reason: fmt.Sprintf("still %d after token renewal", status)}
		}
	}

	if status >= 400 {
		return status, &apperr.APIClientError{Status: status, URL: url}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return status, apperr.Validationf("decode response from %s: %v", url, err)
		}
	}
	return status, nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte, token string) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, &apperr.Transient{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, nil, &apperr.Transient{Err: err}
	}
	return resp.StatusCode, payload, nil
}
