// Package cache provides the shared key/value cache used for API response
// caching and token introspection results. The Redis backend is the production
// path; the memory backend serves tests and single-node deployments.
//
// Key naming is part of the service contract: "app_<id>" caches app document
// responses and is cleared whenever a merge or mutation touches that app, and
// "token_<token>" caches introspection results for a hard TTL.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Cache is the backend-agnostic contract. A miss is (nil, false, nil);
// errors are reserved for transport failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteMatch removes every key matching a glob pattern such as "app_*".
	DeleteMatch(ctx context.Context, pattern string) error
	Close() error
}

// AppKey names the cached response document for one app.
func AppKey(appID int64) string { return fmt.Sprintf("app_%d", appID) }

// TokenKey names the cached introspection result for one opaque access token.
func TokenKey(token string) string { return "token_" + token }
