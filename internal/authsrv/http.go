package authsrv

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/steamwatch/steamwatch/internal/httpx"
)

// API serves the token endpoints under /api/oauth2.
type API struct {
	svc    *Service
	logger *slog.Logger
}

func NewAPI(svc *Service, logger *slog.Logger) *API {
	return &API{svc: svc, logger: logger}
}

// Mount attaches the endpoints to r.
func (a *API) Mount(r chi.Router) {
	r.Route("/api/oauth2", func(r chi.Router) {
		r.Post("/token", a.token)
		r.Post("/token_refresh", a.tokenRefresh)
		r.Post("/token_info", a.tokenInfo)
	})
}

type tokenRequest struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes,omitempty"`
}

type refreshRequest struct {
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes,omitempty"`
}

type infoRequest struct {
	AccessToken string `json:"access_token"`
}

func (a *API) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	grant, err := a.svc.IssueTokens(r.Context(), req.ClientID, req.ClientSecret, req.Scopes)
	if err != nil {
		a.oauthError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grant)
}

func (a *API) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	grant, err := a.svc.Refresh(r.Context(), req.RefreshToken, req.Scopes)
	if err != nil {
		a.oauthError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grant)
}

func (a *API) tokenInfo(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	intro, err := a.svc.Introspect(r.Context(), req.AccessToken)
	if err != nil {
		a.oauthError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, intro)
}

// oauthError writes the RFC 6749 error codes the clients key on; everything
// else funnels through the shared status mapping.
func (a *API) oauthError(w http.ResponseWriter, r *http.Request, err error) {
	var code string
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, ErrInvalidClient):
		code = "invalid_client"
	case errors.Is(err, ErrInvalidToken):
		code = "invalid_token"
	case errors.Is(err, ErrInvalidScope):
		code = "invalid_scope"
		status = http.StatusForbidden
	default:
		httpx.Error(w, r, err)
		return
	}
	a.logger.Warn("token request rejected",
		slog.String("path", r.URL.Path),
		slog.String("error", code),
	)
	httpx.JSON(w, status, map[string]string{"error": code})
}
