package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/steamwatch/steamwatch/internal/httpx"
)

// The scopes the services grant and require. The auth seeder hands them to
// the essential clients; resource servers guard routes with them.
const (
	ScopeBackendRead       = "backend/read"
	ScopeBackendWrite      = "backend/write"
	ScopeBackendPackage    = "backend/package"
	ScopeOrchestratorTasks = "orchestrator/tasks"
)

type contextKey string

const introspectionContextKey contextKey = "introspection"

// FromContext returns the introspection attached by RequireScopes, or nil.
func FromContext(ctx context.Context) *Introspection {
	if v, ok := ctx.Value(introspectionContextKey).(*Introspection); ok {
		return v
	}
	return nil
}

// RequireScopes validates the bearer token on incoming requests and checks
// that it carries every required scope. Missing or inactive tokens get 401
// invalid_token; active tokens without the scopes get 403 invalid_scope.
func RequireScopes(v *Validator, required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				slog.Warn("auth: missing bearer token", slog.String("path", r.URL.Path))
				httpx.JSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")

			intro, err := v.Introspect(r.Context(), token)
			if err != nil {
				httpx.Error(w, r, err)
				return
			}
			if !intro.IsActive {
				slog.Warn("auth: inactive token", slog.String("path", r.URL.Path))
				httpx.JSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
				return
			}

			for _, scope := range required {
				if !intro.HasScope(scope) {
					slog.Warn("auth: insufficient scope",
						slog.String("path", r.URL.Path),
						slog.String("client_id", intro.ClientID),
						slog.String("missing", scope),
					)
					httpx.JSON(w, http.StatusForbidden, map[string]string{"error": "invalid_scope"})
					return
				}
			}

			ctx := context.WithValue(r.Context(), introspectionContextKey, intro)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
