package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/catalog"
	"github.com/steamwatch/steamwatch/internal/events"
	"github.com/steamwatch/steamwatch/internal/httpx"
)

// editRetries bounds the optimistic-replace loop for price-touching edits,
// mirroring the package merge. Exhaustion answers 409: unlike a worker's
// package repost, an admin edit must not be silently retried server-side
// forever.
const editRetries = 5

// storyMode selects what an edit does to a country's existing price story.
type storyMode int

const (
	extendStories  storyMode = iota // PATCH: new points extend the story
	replaceStories                  // PUT: a provided story replaces the old one
)

func (a *api) createApp(w http.ResponseWriter, r *http.Request) {
	var app catalog.App
	if err := httpx.Decode(r, &app); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if app.ID <= 0 {
		httpx.Error(w, r, apperr.Validationf("app id must be positive, got %d", app.ID))
		return
	}
	if app.Prices == nil {
		app.Prices = map[string]*catalog.CountryPrice{}
	}
	if err := sanitizeDocument(&app, time.Now().UTC()); err != nil {
		httpx.Error(w, r, err)
		return
	}
	app.Normalize()

	if err := a.Store.Create(r.Context(), &app); err != nil {
		httpx.Error(w, r, err)
		return
	}
	a.Bus.Emit(r.Context(), events.Event{Type: events.AppCreated, AppID: app.ID})
	httpx.JSON(w, http.StatusCreated, &app)
}

func (a *api) patchApp(w http.ResponseWriter, r *http.Request) {
	a.applyEdit(w, r, extendStories)
}

func (a *api) putApp(w http.ResponseWriter, r *http.Request) {
	a.applyEdit(w, r, replaceStories)
}

func (a *api) deleteApp(w http.ResponseWriter, r *http.Request) {
	id, err := appIDParam(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := a.Store.Delete(r.Context(), id); err != nil {
		httpx.Error(w, r, err)
		return
	}
	a.Bus.Emit(r.Context(), events.Event{Type: events.AppDeleted, AppID: id})
	httpx.NoContent(w)
}

// applyEdit handles PATCH and PUT, which differ only in story handling. An
// edit without prices is a plain field update; one with prices goes through
// the same optimistic-replace discipline as the package merge.
func (a *api) applyEdit(w http.ResponseWriter, r *http.Request, mode storyMode) {
	id, err := appIDParam(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	var patch appPatch
	if err := httpx.Decode(r, &patch); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := patch.sanitize(time.Now().UTC()); err != nil {
		httpx.Error(w, r, err)
		return
	}

	var app *catalog.App
	if len(patch.Prices) == 0 {
		fields := patch.scalarFields()
		if len(fields) == 0 {
			httpx.Error(w, r, apperr.Validationf("empty edit"))
			return
		}
		app, err = a.Store.Patch(r.Context(), id, fields)
	} else {
		app, err = a.mergeEdit(r.Context(), id, &patch, mode)
	}
	if err != nil {
		httpx.Error(w, r, err)
		return
	}

	a.Bus.Emit(r.Context(), events.Event{Type: events.AppUpdated, AppID: id})
	httpx.JSON(w, http.StatusOK, app)
}

// mergeEdit applies a price-touching edit under optimistic concurrency and
// returns the resulting document.
func (a *api) mergeEdit(ctx context.Context, id int64, patch *appPatch, mode storyMode) (*catalog.App, error) {
	for attempt := 0; attempt < editRetries; attempt++ {
		app, err := a.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if app == nil {
			return nil, &apperr.NotFound{Msg: fmt.Sprintf("app %d", id)}
		}

		oldRevision := app.Revision
		patch.applyScalars(app)
		patch.mergePrices(app, mode)
		app.Normalize()
		app.UpdatedAt = time.Now().UTC()
		app.Revision = oldRevision + 1

		matched, err := a.Store.ReplaceRevision(ctx, app, oldRevision)
		if err != nil {
			return nil, err
		}
		if matched {
			return app, nil
		}
		a.Metrics.MergeConflicts.Inc()
	}
	return nil, &apperr.Conflict{Msg: fmt.Sprintf("app %d modified concurrently", id)}
}

// appPatch is the PATCH/PUT body. Nil fields are left unchanged.
type appPatch struct {
	Name                 *string                  `json:"name,omitempty"`
	Type                 *string                  `json:"type,omitempty"`
	ShortDescription     *string                  `json:"short_description,omitempty"`
	IsFree               *bool                    `json:"is_free,omitempty"`
	Developers           []string                 `json:"developers,omitempty"`
	Publishers           []string                 `json:"publishers,omitempty"`
	TotalRecommendations *int64                   `json:"total_recommendations,omitempty"`
	Prices               map[string]*countryPatch `json:"prices,omitempty"`
}

// countryPatch edits one country entry. A nil IsAvailable keeps the stored
// flag, so patching a story does not silently resurrect a delisted country.
type countryPatch struct {
	IsAvailable *bool                `json:"is_available,omitempty"`
	Currency    *string              `json:"currency,omitempty"`
	PriceStory  []catalog.PricePoint `json:"price_story,omitempty"`
}

func (p *appPatch) sanitize(now time.Time) error {
	for cc, incoming := range p.Prices {
		if len(cc) != 2 {
			return apperr.Validationf("country code must be 2 letters, got %q", cc)
		}
		if incoming == nil {
			continue
		}
		if err := sanitizePoints(incoming.PriceStory, now); err != nil {
			return err
		}
	}
	return nil
}

// scalarFields renders the edit as a field-update document for the
// prices-free path.
func (p *appPatch) scalarFields() bson.M {
	fields := bson.M{}
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.Type != nil {
		fields["type"] = *p.Type
	}
	if p.ShortDescription != nil {
		fields["short_description"] = *p.ShortDescription
	}
	if p.IsFree != nil {
		fields["is_free"] = *p.IsFree
	}
	if p.Developers != nil {
		fields["developers"] = p.Developers
	}
	if p.Publishers != nil {
		fields["publishers"] = p.Publishers
	}
	if p.TotalRecommendations != nil {
		fields["total_recommendations"] = *p.TotalRecommendations
	}
	return fields
}

func (p *appPatch) applyScalars(app *catalog.App) {
	if p.Name != nil {
		app.Name = p.Name
	}
	if p.Type != nil {
		app.Type = p.Type
	}
	if p.ShortDescription != nil {
		app.ShortDescription = p.ShortDescription
	}
	if p.IsFree != nil {
		app.IsFree = p.IsFree
	}
	if p.Developers != nil {
		app.Developers = p.Developers
	}
	if p.Publishers != nil {
		app.Publishers = p.Publishers
	}
	if p.TotalRecommendations != nil {
		app.TotalRecommendations = p.TotalRecommendations
	}
}

func (p *appPatch) mergePrices(app *catalog.App, mode storyMode) {
	if app.Prices == nil {
		app.Prices = make(map[string]*catalog.CountryPrice, len(p.Prices))
	}
	for cc, incoming := range p.Prices {
		if incoming == nil {
			continue
		}
		existing := app.Prices[cc]
		if existing == nil {
			app.Prices[cc] = &catalog.CountryPrice{
				IsAvailable: incoming.IsAvailable == nil || *incoming.IsAvailable,
				Currency:    incoming.Currency,
				PriceStory:  incoming.PriceStory,
			}
			continue
		}

		if incoming.IsAvailable != nil {
			existing.IsAvailable = *incoming.IsAvailable
		}
		if incoming.Currency != nil {
			existing.Currency = incoming.Currency
		}
		switch {
		case len(incoming.PriceStory) == 0:
			// availability or currency only, the story stands
		case mode == extendStories:
			existing.PriceStory = append(existing.PriceStory, incoming.PriceStory...)
		default:
			existing.PriceStory = incoming.PriceStory
		}
	}
}

// sanitizeDocument validates and normalizes the stories of a full document
// body: missing point timestamps are stamped, prices rounded to cents.
func sanitizeDocument(app *catalog.App, now time.Time) error {
	for cc, cp := range app.Prices {
		if len(cc) != 2 {
			return apperr.Validationf("country code must be 2 letters, got %q", cc)
		}
		if cp == nil {
			app.Prices[cc] = &catalog.CountryPrice{}
			continue
		}
		if err := sanitizePoints(cp.PriceStory, now); err != nil {
			return err
		}
	}
	return nil
}

func sanitizePoints(story []catalog.PricePoint, now time.Time) error {
	for i := range story {
		pt := &story[i]
		if pt.Price < 0 {
			return apperr.Validationf("price must be non-negative, got %f", pt.Price)
		}
		if pt.Discount < 0 || pt.Discount > 99 {
			return apperr.Validationf("discount must be within [0,99], got %d", pt.Discount)
		}
		if pt.Timestamp.IsZero() {
			pt.Timestamp = now
		}
		pt.Price = catalog.Round2(pt.Price)
	}
	return nil
}
