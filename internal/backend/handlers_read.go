package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/cache"
	"github.com/steamwatch/steamwatch/internal/catalog"
	"github.com/steamwatch/steamwatch/internal/httpx"
)

func (a *api) listApps(w http.ResponseWriter, r *http.Request) {
	pg, err := httpx.ParsePagination(r, defaultPageSize, maxPageSize)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	lq, err := ParseListQuery(r.URL.Query(), a.Config.MainCountry)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	var searchIDs []int64
	if lq.SearchTerm != "" {
		if a.Searcher == nil {
			httpx.Error(w, r, apperr.Validationf("search is not enabled"))
			return
		}
		ids, err := a.Searcher.FulltextSearch(r.Context(), lq.SearchTerm, nil)
		if err != nil {
			httpx.Error(w, r, err)
			return
		}
		// A non-nil empty set must match nothing, not everything.
		if ids == nil {
			ids = []int64{}
		}
		searchIDs = ids
	}

	apps, total, err := a.Store.List(r.Context(), lq.Filter(searchIDs), lq.Sort, pg.Page, pg.Size)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	items := make([]compactApp, 0, len(apps))
	for i := range apps {
		items = append(items, compactRow(&apps[i]))
	}
	httpx.JSON(w, http.StatusOK, listResponse{
		Items: items,
		Total: total,
		Page:  pg.Page,
		Size:  pg.Size,
	})
}

func (a *api) getApp(w http.ResponseWriter, r *http.Request) {
	id, err := appIDParam(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	pg, err := httpx.ParsePagination(r, defaultPageSize, maxPageSize)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	app, err := a.loadApp(r.Context(), id)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	paginateStories(app, pg.Page, pg.Size)
	httpx.JSON(w, http.StatusOK, app)
}

// loadApp serves the response document cache-first. The full document is
// cached; story pagination is applied afterwards, so every page of one app
// shares a single cache entry.
func (a *api) loadApp(ctx context.Context, id int64) (*catalog.App, error) {
	key := cache.AppKey(id)
	data, ok, err := a.Cache.Get(ctx, key)
	if err != nil {
		a.Logger.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	} else if ok {
		var app catalog.App
		if err := json.Unmarshal(data, &app); err == nil {
			a.Metrics.CacheHits.WithLabelValues("app_detail").Inc()
			return &app, nil
		}
		a.Logger.Warn("corrupt cache entry dropped", slog.String("key", key))
		_ = a.Cache.Delete(ctx, key)
	}
	a.Metrics.CacheMisses.WithLabelValues("app_detail").Inc()

	app, err := a.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, &apperr.NotFound{Msg: fmt.Sprintf("app %d", id)}
	}

	if data, err := json.Marshal(app); err == nil {
		if err := a.Cache.Set(ctx, key, data, a.Config.CacheTTL); err != nil {
			a.Logger.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return app, nil
}

func appIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "appID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validationf("app id must be a positive integer, got %q", raw)
	}
	return id, nil
}
