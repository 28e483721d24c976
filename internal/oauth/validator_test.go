package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/config"
)

// fakeIntrospection serves token_info with a fixed verdict per token.
func fakeIntrospection(t *testing.T, calls *atomic.Int64, verdicts map[string]Introspection) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/oauth2/token_info" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req struct {
			AccessToken string `json:"access_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		intro, ok := verdicts[req.AccessToken]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(intro)
	}))
}

func newTestValidator(t *testing.T, baseURL string) *Validator {
	t.Helper()
	mem := cache.NewMemory(100)
	t.Cleanup(func() { _ = mem.Close() })
	return NewValidator(config.AuthClient{BaseURL: baseURL}, mem, 5*time.Minute, testLogger(), nil)
}

func TestValidatorCachesActiveVerdicts(t *testing.T) {
	var calls atomic.Int64
	srv := fakeIntrospection(t, &calls, map[string]Introspection{
		"tok-a": {IsActive: true, ClientID: "worker", Scopes: []string{"backend/package"}, ExpiresAt: time.Now().Add(time.Hour)},
	})
	defer srv.Close()

	v := newTestValidator(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		intro, err := v.Introspect(ctx, "tok-a")
		if err != nil {
			t.Fatalf("Introspect #%d: %v", i, err)
		}
		if !intro.IsActive || intro.ClientID != "worker" {
			t.Fatalf("verdict #%d = %+v", i, intro)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("remote introspections = %d, want 1", got)
	}
}

func TestValidatorDoesNotCacheInactive(t *testing.T) {
	var calls atomic.Int64
	srv := fakeIntrospection(t, &calls, map[string]Introspection{
		"tok-dead": {IsActive: false},
	})
	defer srv.Close()

	v := newTestValidator(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		intro, err := v.Introspect(ctx, "tok-dead")
		if err != nil {
			t.Fatalf("Introspect: %v", err)
		}
		if intro.IsActive {
			t.Fatal("expected inactive verdict")
		}
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("remote introspections = %d, want 2 (inactive not cached)", got)
	}
}

func TestValidatorUnknownTokenIsInactive(t *testing.T) {
	var calls atomic.Int64
	srv := fakeIntrospection(t, &calls, nil)
	defer srv.Close()

	v := newTestValidator(t, srv.URL)

	intro, err := v.Introspect(context.Background(), "never-issued")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if intro.IsActive {
		t.Fatal("unknown token must introspect as inactive")
	}
}

func TestValidatorCachedVerdictExpiresWithToken(t *testing.T) {
	var calls atomic.Int64
	srv := fakeIntrospection(t, &calls, map[string]Introspection{
		"tok-short": {IsActive: true, ClientID: "worker", ExpiresAt: time.Now().Add(-time.Second)},
	})
	defer srv.Close()

	v := newTestValidator(t, srv.URL)

	// The remote verdict claims active but the expiry has already passed by
	// the time a cached copy would be consulted; the validator must not
	// report an expired token as usable from cache.
	intro, err := v.Introspect(context.Background(), "tok-short")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !intro.IsActive {
		// First call passes the remote verdict through untouched.
		t.Fatal("remote verdict should be returned as-is")
	}

	intro2, err := v.Introspect(context.Background(), "tok-short")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if intro2.IsActive {
		t.Fatal("expired token must read inactive")
	}
}
