package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAuth is a minimal auth server: every login mints at-<n>, refresh mints
// at-r<n>.
type fakeAuth struct {
	logins          atomic.Int64
	refreshes       atomic.Int64
	failNext        atomic.Int64 // number of upcoming login calls to fail with 500
	failNextRefresh atomic.Int64 // same, for the refresh grant
	rejectRefresh   atomic.Bool  // answer 401 to every refresh
}

func (f *fakeAuth) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if f.failNext.Load() > 0 {
			f.failNext.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		n := f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("at-%d", n),
			"expires_in":    3600,
			"refresh_token": fmt.Sprintf("rt-%d", n),
		})
	})
	mux.HandleFunc("/api/oauth2/token_refresh", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectRefresh.Load() {
			f.refreshes.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.failNextRefresh.Load() > 0 {
			f.failNextRefresh.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		n := f.refreshes.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("at-r%d", n),
			"expires_in":   3600,
		})
	})
	return mux
}

func newTestClient(t *testing.T, authURL string) *Client {
	t.Helper()
	c := NewClient(config.AuthClient{
		BaseURL:      authURL,
		ClientID:     "worker",
		ClientSecret: "s3cret",
	}, []string{"backend/package"}, testLogger())
	c.loginWait = 10 * time.Millisecond
	return c
}

func TestClientLoginOnceAndReuse(t *testing.T) {
	auth := &fakeAuth{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	tok1, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected shared token, got %q then %q", tok1, tok2)
	}
	if got := auth.logins.Load(); got != 1 {
		t.Fatalf("logins = %d, want 1", got)
	}
}

func TestClientLoginRetriesTransient(t *testing.T) {
	auth := &fakeAuth{}
	auth.failNext.Store(2)
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token after transient failures: %v", err)
	}
	if tok != "at-1" {
		t.Fatalf("token = %q", tok)
	}
}

func TestClientBadCredentialsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Token(context.Background())
	var ae *apperr.AuthenticationError
	if !errors.As(err, &ae) {
		t.Fatalf("want AuthenticationError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("login calls = %d, want 1 (no retry on 401)", got)
	}
}

func TestClientRefreshGrantOnExpiry(t *testing.T) {
	auth := &fakeAuth{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	if _, err := c.Token(ctx); err != nil {
		t.Fatalf("initial Token: %v", err)
	}

	// Force expiry; the next Token call should exchange the refresh token
	// instead of logging in again.
	c.mu.Lock()
	c.expiresAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	tok, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("Token after expiry: %v", err)
	}
	if tok != "at-r1" {
		t.Fatalf("token = %q, want refresh-granted at-r1", tok)
	}
	if auth.logins.Load() != 1 || auth.refreshes.Load() != 1 {
		t.Fatalf("logins=%d refreshes=%d, want 1/1", auth.logins.Load(), auth.refreshes.Load())
	}
}

func TestClientRefreshRetriesTransient(t *testing.T) {
	auth := &fakeAuth{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	if _, err := c.Token(ctx); err != nil {
		t.Fatalf("initial Token: %v", err)
	}
	c.mu.Lock()
	c.expiresAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	// A transient refresh failure is retried within the grant; the client
	// must not burn the refresh token and fall back to a second login.
	auth.failNextRefresh.Store(1)

	tok, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("Token after transient refresh failure: %v", err)
	}
	if tok != "at-r1" {
		t.Fatalf("token = %q, want refresh-granted at-r1", tok)
	}
	if got := auth.logins.Load(); got != 1 {
		t.Fatalf("logins = %d, want 1 (refresh should have recovered)", got)
	}
}

func TestClientRejectedRefreshFallsBackToLogin(t *testing.T) {
	auth := &fakeAuth{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	if _, err := c.Token(ctx); err != nil {
		t.Fatalf("initial Token: %v", err)
	}
	c.mu.Lock()
	c.expiresAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	auth.rejectRefresh.Store(true)

	tok, err := c.Token(ctx)
	if err != nil {
		t.Fatalf("Token after rejected refresh: %v", err)
	}
	if tok != "at-2" {
		t.Fatalf("token = %q, want a fresh login token", tok)
	}
	// The rejection is permanent: exactly one refresh attempt, no retries.
	if got := auth.refreshes.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestDoJSONRetriesOnceAfter401(t *testing.T) {
	auth := &fakeAuth{}
	authSrv := httptest.NewServer(auth.handler())
	defer authSrv.Close()

	// Resource server rejects at-1 and accepts anything newer.
	var resourceCalls atomic.Int64
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resourceCalls.Add(1)
		if r.Header.Get("Authorization") == "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer resource.Close()

	c := newTestClient(t, authSrv.URL)

	var out map[string]string
	status, err := c.DoJSON(context.Background(), http.MethodPost, resource.URL+"/api/v1/package", map[string]any{"is_success": true}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if status != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("status=%d out=%v", status, out)
	}
	if got := resourceCalls.Load(); got != 2 {
		t.Fatalf("resource calls = %d, want 2 (reject then retry)", got)
	}
}

func TestDoJSONSecondRejectionIsAuthError(t *testing.T) {
	auth := &fakeAuth{}
	authSrv := httptest.NewServer(auth.handler())
	defer authSrv.Close()

	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer resource.Close()

	c := newTestClient(t, authSrv.URL)

	_, err := c.DoJSON(context.Background(), http.MethodGet, resource.URL+"/api/v1/apps", nil, nil)
	var ae *apperr.AuthenticationError
	if !errors.As(err, &ae) {
		t.Fatalf("want AuthenticationError after second rejection, got %v", err)
	}
}

func TestDoJSONMapsClientErrors(t *testing.T) {
	auth := &fakeAuth{}
	authSrv := httptest.NewServer(auth.handler())
	defer authSrv.Close()

	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer resource.Close()

	c := newTestClient(t, authSrv.URL)

	status, err := c.DoJSON(context.Background(), http.MethodPost, resource.URL+"/api/v1/package", map[string]int{"x": 1}, nil)
	var ce *apperr.APIClientError
	if !errors.As(err, &ce) {
		t.Fatalf("want APIClientError, got %v", err)
	}
	if status != http.StatusUnprocessableEntity || ce.Status != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d ce=%d", status, ce.Status)
	}
}
