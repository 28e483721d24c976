package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBurstThenReject(t *testing.T) {
	l := New(1, 3, nil)
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.allow("c") {
			t.Fatalf("request %d within burst should pass", i+1)
		}
	}
	if l.allow("c") {
		t.Fatal("request beyond burst should be rejected")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	l := New(1, 1, nil)
	defer l.Close()

	if !l.allow("a") {
		t.Fatal("first request for a should pass")
	}
	if l.allow("a") {
		t.Fatal("second request for a should be rejected")
	}
	if !l.allow("b") {
		t.Fatal("b must not share a's bucket")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	var rejected int
	l := New(1, 1, func() { rejected++ })
	defer l.Close()

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/apps", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if rejected != 1 {
		t.Errorf("onReject ran %d times, want 1", rejected)
	}
}

func TestMiddlewareKeysByRealIP(t *testing.T) {
	l := New(1, 1, nil)
	defer l.Close()

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/apps", nil)
		req.Header.Set("X-Real-IP", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("client %d: status = %d, want 200", i, rec.Code)
		}
	}
}
