// Package backend serves the storefront data API: the public read path over
// the app documents, the scope-guarded CRUD and package-ingest endpoints, and
// the task proxy that forwards collection requests to the orchestrator.
//
// Every mutation emits an event on the mutation bus; the default listeners
// invalidate the per-app response cache and count mutations by type.
package backend

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/catalog"
	"github.com/steamwatch/steamwatch/internal/config"
	"github.com/steamwatch/steamwatch/internal/events"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/oauth"
	"github.com/steamwatch/steamwatch/internal/search"
)

// defaultPageSize and maxPageSize bound both the list page and the per-country
// story slice on the detail endpoint.
const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Store is the document persistence surface the API consumes. catalog/mongo
// implements it; tests substitute an in-memory fake.
type Store interface {
	catalog.DocStore
	List(ctx context.Context, filter bson.M, sort bson.D, page, size int64) ([]catalog.App, int64, error)
	Create(ctx context.Context, app *catalog.App) error
	Patch(ctx context.Context, id int64, fields bson.M) (*catalog.App, error)
	Delete(ctx context.Context, id int64) error
}

// Dependencies carries everything the handlers need. Searcher and Tasks may
// be nil, disabling the search filter and the task endpoints' upstream.
type Dependencies struct {
	Store     Store
	Searcher  search.Searcher
	Cache     cache.Cache
	Validator *oauth.Validator
	Tasks     *TaskProxy
	Bus       *events.Bus
	Config    config.Backend
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

type api struct {
	Dependencies
}

// MountRoutes attaches the backend API under /api/v1. The read path is
// public; everything that mutates state or reaches another service sits
// behind a scope check.
func MountRoutes(r chi.Router, d Dependencies) {
	a := &api{Dependencies: d}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/apps", a.listApps)
		r.Get("/apps/{appID}", a.getApp)

		r.Group(func(r chi.Router) {
			r.Use(oauth.RequireScopes(d.Validator, oauth.ScopeBackendWrite))
			r.Post("/apps", a.createApp)
			r.Patch("/apps/{appID}", a.patchApp)
			r.Put("/apps/{appID}", a.putApp)
			r.Delete("/apps/{appID}", a.deleteApp)
		})

		r.Group(func(r chi.Router) {
			r.Use(oauth.RequireScopes(d.Validator, oauth.ScopeBackendPackage))
			r.Post("/package", a.ingestPackage)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Use(oauth.RequireScopes(d.Validator, oauth.ScopeOrchestratorTasks))
			r.Post("/update_app_list", a.submitUpdateAppList)
			r.Post("/update_app_data", a.submitUpdateAppData)
			r.Post("/bulk_update_app_data", a.submitBulkUpdateAppData)
			r.Get("/{taskID}", a.taskStatus)
		})
	})
}

// DefaultBus builds the mutation bus with the standard listeners attached:
// cache invalidation first, then the mutation counter.
func DefaultBus(c cache.Cache, m *metrics.Registry, logger *slog.Logger) *events.Bus {
	bus := events.NewBus()
	bus.Subscribe(InvalidationListener(c, logger))
	bus.Subscribe(CountingListener(m))
	return bus
}

// InvalidationListener drops the cached response document of the mutated
// app. Failures are logged and swallowed: a stale cache entry expires on its
// own TTL, it must not fail the mutation that has already been persisted.
func InvalidationListener(c cache.Cache, logger *slog.Logger) events.Listener {
	return func(ctx context.Context, e events.Event) {
		if err := c.Delete(ctx, cache.AppKey(e.AppID)); err != nil {
			logger.Warn("cache invalidation failed",
				slog.Int64("app_id", e.AppID),
				slog.String("event", string(e.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// CountingListener bumps the mutation counter by event type.
func CountingListener(m *metrics.Registry) events.Listener {
	return func(_ context.Context, e events.Event) {
		m.AppMutations.WithLabelValues(string(e.Type)).Inc()
	}
}
