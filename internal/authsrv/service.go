package authsrv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/metrics"
)

// Sentinel errors map one-to-one onto the OAuth error codes the HTTP layer
// returns.
var (
	ErrInvalidClient = errors.New("invalid_client")
	ErrInvalidToken  = errors.New("invalid_token")
	ErrInvalidScope  = errors.New("invalid_scope")
)

const (
	tokenRandBytes = 32 // 64 hex chars
	bcryptCost     = 10
)

// Grant is the response to a successful issuance. RefreshToken is empty on
// the refresh path.
type Grant struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Introspection mirrors the token_info wire format consumed by the resource
// servers.
type Introspection struct {
	IsActive  bool      `json:"is_active"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service owns the token lifecycle: issuance, refresh, introspection,
// cap-driven eviction and expiry GC.
type Service struct {
	store   *Store
	cache   cache.Cache // nil disables cross-service invalidation
	cfg     config.Auth
	logger  *slog.Logger
	metrics *metrics.Registry

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewService builds the service. c and m may be nil.
func NewService(store *Store, c cache.Cache, cfg config.Auth, logger *slog.Logger, m *metrics.Registry) *Service {
	return &Service{
		store:   store,
		cache:   c,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		nowFunc: time.Now,
	}
}

func newToken() (string, error) {
	raw := make([]byte, tokenRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// RegisterClient creates a client with a bcrypt-hashed secret. Used by the
// seeder and the admin CLI.
func (s *Service) RegisterClient(ctx context.Context, id, secret string, scopes, roles []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return fmt.Errorf("bcrypt hash: %w", err)
	}
	return s.store.CreateClient(ctx, Client{
		ID:         id,
		SecretHash: string(hash),
		CreatedAt:  s.nowFunc(),
	}, scopes, roles)
}

// IssueTokens performs the client-credentials grant: it verifies the secret,
// checks the requested scopes against the client's grant, and returns a fresh
// access token together with the client's refresh token (minting one if none
// is live).
func (s *Service) IssueTokens(ctx context.Context, clientID, clientSecret string, requested []string) (*Grant, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return nil, ErrInvalidClient
	}

	scopes, err := s.resolveScopes(ctx, clientID, requested)
	if err != nil {
		return nil, err
	}

	access, err := s.issueAccessToken(ctx, clientID, scopes)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	refresh, err := s.store.ActiveRefreshToken(ctx, clientID, now)
	if err != nil {
		return nil, err
	}
	if refresh == nil {
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		refresh = &RefreshToken{
			Token:     token,
			ClientID:  clientID,
			ExpiresAt: now.Add(s.cfg.RefreshTTL),
			IsActive:  true,
			CreatedAt: now,
		}
		if err := s.store.InsertRefreshToken(ctx, *refresh); err != nil {
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.TokensIssued.WithLabelValues("client_credentials").Inc()
	}
	s.logger.Info("tokens issued",
		slog.String("client_id", clientID),
		slog.Int("scopes", len(scopes)),
	)
	return &Grant{
		AccessToken:  access,
		ExpiresIn:    int(s.cfg.AccessTTL.Seconds()),
		RefreshToken: refresh.Token,
	}, nil
}

// Refresh mints a new access token against a live refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string, requested []string) (*Grant, error) {
	rt, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if rt == nil || !rt.IsActive || !s.nowFunc().Before(rt.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	scopes, err := s.resolveScopes(ctx, rt.ClientID, requested)
	if err != nil {
		return nil, err
	}

	access, err := s.issueAccessToken(ctx, rt.ClientID, scopes)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TokensIssued.WithLabelValues("refresh_token").Inc()
	}
	return &Grant{
		AccessToken: access,
		ExpiresIn:   int(s.cfg.AccessTTL.Seconds()),
	}, nil
}

// Introspect reports the verdict on an access token. Unknown tokens are an
// ErrInvalidToken; known-but-dead tokens introspect as inactive.
func (s *Service) Introspect(ctx context.Context, accessToken string) (*Introspection, error) {
	t, err := s.store.GetAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrInvalidToken
	}
	return &Introspection{
		IsActive:  t.IsActive && s.nowFunc().Before(t.ExpiresAt),
		ClientID:  t.ClientID,
		Scopes:    t.Scopes,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// resolveScopes checks requested against the client's grant. An empty request
// resolves to the full grant.
func (s *Service) resolveScopes(ctx context.Context, clientID string, requested []string) ([]string, error) {
	granted, err := s.store.GrantedScopes(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return granted, nil
	}
	grantedSet := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		grantedSet[scope] = struct{}{}
	}
	for _, scope := range requested {
		if _, ok := grantedSet[scope]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScope, scope)
		}
	}
	return requested, nil
}

// issueAccessToken enforces the per-client cap, then stores and returns a new
// token.
func (s *Service) issueAccessToken(ctx context.Context, clientID string, scopes []string) (string, error) {
	if err := s.enforceTokenCap(ctx, clientID); err != nil {
		return "", err
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}
	now := s.nowFunc()
	if err := s.store.InsertAccessToken(ctx, AccessToken{
		Token:     token,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: now.Add(s.cfg.AccessTTL),
		IsActive:  true,
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	return token, nil
}

// enforceTokenCap deactivates the client's single oldest active token once
// the cap is reached, making room for the one about to be issued.
func (s *Service) enforceTokenCap(ctx context.Context, clientID string) error {
	now := s.nowFunc()
	n, err := s.store.CountActiveAccessTokens(ctx, clientID, now)
	if err != nil {
		return err
	}
	if n < s.cfg.MaxAccessTokensPerClient {
		return nil
	}

	oldest, err := s.store.OldestActiveAccessToken(ctx, clientID, now)
	if err != nil || oldest == nil {
		return err
	}
	if err := s.store.DeactivateAccessToken(ctx, oldest.Token); err != nil {
		return err
	}
	s.invalidate(ctx, oldest.Token)
	if s.metrics != nil {
		s.metrics.TokensRevoked.Inc()
	}
	s.logger.Info("token cap reached, evicted oldest",
		slog.String("client_id", clientID),
	)
	return nil
}

// invalidate clears the resource servers' cached verdict for a deactivated
// token so the revocation takes effect before the cache TTL would expire it.
func (s *Service) invalidate(ctx context.Context, token string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.TokenKey(token)); err != nil {
		s.logger.Warn("token cache invalidation failed", slog.String("error", err.Error()))
	}
}

// RunGC sweeps expired and deactivated token rows until ctx is cancelled.
func (s *Service) RunGC(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.SweepExpired(ctx, s.nowFunc())
			if err != nil {
				s.logger.Warn("token sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Debug("token sweep", slog.Int64("rows", n))
			}
		}
	}
}
