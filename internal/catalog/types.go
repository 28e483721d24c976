// Package catalog defines the app document model and the merge rules that
// fold worker observations into it. The merge itself is pure; persistence
// and optimistic-concurrency retries live in catalog/mongo.
package catalog

import (
	"math"
	"time"

	"github.com/steamwatch/steamwatch/internal/apperr"
)

// PricePoint is one observed (price, discount) pair for an app in a country.
type PricePoint struct {
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Price     float64   `bson:"price" json:"price"`
	Discount  int       `bson:"discount" json:"discount"`
}

// CountryPrice holds the availability and price history of an app in one
// country. PriceStory is strictly newest-first: index 0 is the latest point.
type CountryPrice struct {
	IsAvailable bool         `bson:"is_available" json:"is_available"`
	Currency    *string      `bson:"currency,omitempty" json:"currency,omitempty"`
	PriceStory  []PricePoint `bson:"price_story" json:"price_story"`
}

// Latest returns the newest price point, or nil for an empty story.
func (cp *CountryPrice) Latest() *PricePoint {
	if len(cp.PriceStory) == 0 {
		return nil
	}
	return &cp.PriceStory[0]
}

// App is the primary document, one per upstream app id. UpdatedAt moves
// forward on every mutation and is the watermark the ETL indexer follows.
type App struct {
	ID                   int64                    `bson:"_id" json:"id"`
	Name                 *string                  `bson:"name,omitempty" json:"name,omitempty"`
	Type                 *string                  `bson:"type,omitempty" json:"type,omitempty"`
	ShortDescription     *string                  `bson:"short_description,omitempty" json:"short_description,omitempty"`
	IsFree               *bool                    `bson:"is_free,omitempty" json:"is_free,omitempty"`
	Developers           []string                 `bson:"developers,omitempty" json:"developers,omitempty"`
	Publishers           []string                 `bson:"publishers,omitempty" json:"publishers,omitempty"`
	TotalRecommendations *int64                   `bson:"total_recommendations,omitempty" json:"total_recommendations,omitempty"`
	UpdatedAt            time.Time                `bson:"updated_at" json:"updated_at"`
	Prices               map[string]*CountryPrice `bson:"prices" json:"prices"`

	// Revision backs the optimistic replace; it never reaches API responses.
	Revision int64 `bson:"revision" json:"-"`
}

// Package is one worker observation of an app in one country, as posted to
// the backend. All fields except ID and CountryCode are optional; a failed
// upstream fetch carries only those two.
type Package struct {
	ID                   int64    `json:"id"`
	CountryCode          string   `json:"country_code"`
	Name                 *string  `json:"name,omitempty"`
	Type                 *string  `json:"type,omitempty"`
	ShortDescription     *string  `json:"short_description,omitempty"`
	IsFree               *bool    `json:"is_free,omitempty"`
	Developers           []string `json:"developers,omitempty"`
	Publishers           []string `json:"publishers,omitempty"`
	TotalRecommendations *int64   `json:"total_recommendations,omitempty"`
	Currency             *string  `json:"currency,omitempty"`
	Price                *float64 `json:"price,omitempty"`
	Discount             *int     `json:"discount,omitempty"`

	// Timestamp is when the worker observed the price. Posted packages may
	// arrive out of order; a missing timestamp falls back to receipt time.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Observation is the body of POST /api/v1/package.
type Observation struct {
	IsSuccess bool    `json:"is_success"`
	Data      Package `json:"data"`
}

// Validate rejects observations that could corrupt the document.
func (o Observation) Validate() error {
	if o.Data.ID <= 0 {
		return apperr.Validationf("package id must be positive, got %d", o.Data.ID)
	}
	if len(o.Data.CountryCode) != 2 {
		return apperr.Validationf("country_code must be 2 letters, got %q", o.Data.CountryCode)
	}
	if o.Data.Price != nil && *o.Data.Price < 0 {
		return apperr.Validationf("price must be non-negative, got %f", *o.Data.Price)
	}
	if o.Data.Discount != nil && (*o.Data.Discount < 0 || *o.Data.Discount > 99) {
		return apperr.Validationf("discount must be within [0,99], got %d", *o.Data.Discount)
	}
	return nil
}

// Round2 normalizes prices to two decimals, the precision the upstream
// quotes in cents.
func Round2(p float64) float64 {
	return math.Round(p*100) / 100
}
