package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

// Introspection is the auth server's verdict on one access token.
type Introspection struct {
	IsActive  bool      `json:"is_active"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasScope reports whether the token carries the named scope.
func (i *Introspection) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator introspects bearer tokens for resource servers. Active verdicts
// are cached under token_<opaque> for a hard TTL, so a burst of worker posts
// costs one introspection round-trip instead of one per request.
type Validator struct {
	httpc   *http.Client
	baseURL string
	cache   cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewValidator builds a Validator against the auth server at cfg.BaseURL.
// metrics may be nil.
func NewValidator(cfg config.AuthClient, c cache.Cache, ttl time.Duration, logger *slog.Logger, m *metrics.Registry) *Validator {
	return &Validator{
		httpc: &http.Client{
			Timeout:   10 * time.Second,
			Transport: tracing.HTTPTransport(nil),
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cache:   c,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
	}
}

// Introspect resolves token to its introspection result, consulting the
// cache first. Inactive verdicts are never cached; an expired-but-cached
// verdict is treated as inactive.
func (v *Validator) Introspect(ctx context.Context, token string) (*Introspection, error) {
	key := cache.TokenKey(token)

	if raw, ok, err := v.cache.Get(ctx, key); err == nil && ok {
		var intro Introspection
		if err := json.Unmarshal(raw, &intro); err == nil {
			if time.Now().After(intro.ExpiresAt) {
				intro.IsActive = false
			}
			if v.metrics != nil {
				v.metrics.CacheHits.WithLabelValues("token_info").Inc()
			}
			return &intro, nil
		}
	} else if err != nil {
		v.logger.Warn("token cache read failed", slog.String("error", err.Error()))
	}
	if v.metrics != nil {
		v.metrics.CacheMisses.WithLabelValues("token_info").Inc()
	}

	intro, err := v.introspectRemote(ctx, token)
	if err != nil {
		return nil, err
	}

	if intro.IsActive {
		ttl := v.ttl
		if until := time.Until(intro.ExpiresAt); until > 0 && until < ttl {
			ttl = until
		}
		if raw, err := json.Marshal(intro); err == nil {
			if err := v.cache.Set(ctx, key, raw, ttl); err != nil {
				v.logger.Warn("token cache write failed", slog.String("error", err.Error()))
			}
		}
	}
	return intro, nil
}

func (v *Validator) introspectRemote(ctx context.Context, token string) (*Introspection, error) {
	body, _ := json.Marshal(map[string]string{"access_token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/oauth2/token_info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpc.Do(req)
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var intro Introspection
		if err := json.NewDecoder(resp.Body).Decode(&intro); err != nil {
			return nil, apperr.Validationf("decode token_info response: %v", err)
		}
		return &intro, nil
	case http.StatusUnauthorized:
		// The auth server reports unknown tokens as 401 invalid_token.
		return &Introspection{IsActive: false}, nil
	default:
		return nil, &apperr.APIClientError{Status: resp.StatusCode, URL: v.baseURL + "/api/oauth2/token_info"}
	}
}
