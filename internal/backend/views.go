package backend

import (
	"time"

	"github.com/steamwatch/steamwatch/internal/catalog"
)

// listResponse is the GET /apps envelope.
type listResponse struct {
	Items []compactApp `json:"items"`
	Total int64        `json:"total"`
	Page  int64        `json:"page"`
	Size  int64        `json:"size"`
}

// compactCountry compresses a country's price history to its latest point.
// An empty story keeps only the availability and currency.
type compactCountry struct {
	IsAvailable bool       `json:"is_available"`
	Currency    *string    `json:"currency,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	Discount    *int       `json:"discount,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// compactApp is one list row: the app scalars with each country reduced to
// its latest observed price.
type compactApp struct {
	ID                   int64                     `json:"id"`
	Name                 *string                   `json:"name,omitempty"`
	Type                 *string                   `json:"type,omitempty"`
	ShortDescription     *string                   `json:"short_description,omitempty"`
	IsFree               *bool                     `json:"is_free,omitempty"`
	Developers           []string                  `json:"developers,omitempty"`
	Publishers           []string                  `json:"publishers,omitempty"`
	TotalRecommendations *int64                    `json:"total_recommendations,omitempty"`
	UpdatedAt            time.Time                 `json:"updated_at"`
	Prices               map[string]compactCountry `json:"prices"`
}

func compactRow(app *catalog.App) compactApp {
	prices := make(map[string]compactCountry, len(app.Prices))
	for cc, cp := range app.Prices {
		if cp == nil {
			continue
		}
		compact := compactCountry{
			IsAvailable: cp.IsAvailable,
			Currency:    cp.Currency,
		}
		if latest := cp.Latest(); latest != nil {
			compact.Price = &latest.Price
			compact.Discount = &latest.Discount
			compact.LastUpdated = &latest.Timestamp
		}
		prices[cc] = compact
	}
	return compactApp{
		ID:                   app.ID,
		Name:                 app.Name,
		Type:                 app.Type,
		ShortDescription:     app.ShortDescription,
		IsFree:               app.IsFree,
		Developers:           app.Developers,
		Publishers:           app.Publishers,
		TotalRecommendations: app.TotalRecommendations,
		UpdatedAt:            app.UpdatedAt,
		Prices:               prices,
	}
}

// paginateStories slices every country's story to the requested page. The
// same window applies to all countries at once, so a client walking pages
// sees each history advance in step.
func paginateStories(app *catalog.App, page, size int64) {
	for _, cp := range app.Prices {
		if cp == nil {
			continue
		}
		cp.PriceStory = slicePage(cp.PriceStory, page, size)
	}
}

func slicePage(story []catalog.PricePoint, page, size int64) []catalog.PricePoint {
	start := (page - 1) * size
	if start >= int64(len(story)) {
		return []catalog.PricePoint{}
	}
	end := start + size
	if end > int64(len(story)) {
		end = int64(len(story))
	}
	return story[start:end]
}
