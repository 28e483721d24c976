package catalog

import (
	"sort"
	"time"
)

// Outcome classifies what a merge did to the document, for metrics and logs.
type Outcome string

const (
	OutcomeNoop        Outcome = "noop"
	OutcomeCreated     Outcome = "created"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeUpdated     Outcome = "updated"
)

// NewApp builds a fresh document from the first successful observation of an
// app. The country entry is seeded with one price point when a price is
// present, otherwise with an empty story.
func NewApp(pkg Package, now time.Time) *App {
	app := &App{
		ID:                   pkg.ID,
		Name:                 pkg.Name,
		Type:                 pkg.Type,
		ShortDescription:     pkg.ShortDescription,
		IsFree:               pkg.IsFree,
		Developers:           pkg.Developers,
		Publishers:           pkg.Publishers,
		TotalRecommendations: pkg.TotalRecommendations,
		UpdatedAt:            now,
		Prices:               map[string]*CountryPrice{},
	}
	cp := &CountryPrice{IsAvailable: true, Currency: pkg.Currency}
	if pkg.Price != nil {
		cp.PriceStory = []PricePoint{newPoint(pkg, now)}
	}
	app.Prices[pkg.CountryCode] = cp
	return app
}

// ApplyPackage folds a successful observation into an existing document:
// scalar fields coalesce (new value wins iff non-null and different), the
// country entry is switched to available, and a price point is appended iff
// (price, discount) differs from the latest stored point.
func (a *App) ApplyPackage(pkg Package, now time.Time) Outcome {
	changed := false

	changed = coalesceString(&a.Name, pkg.Name) || changed
	changed = coalesceString(&a.Type, pkg.Type) || changed
	changed = coalesceString(&a.ShortDescription, pkg.ShortDescription) || changed
	changed = coalesceBool(&a.IsFree, pkg.IsFree) || changed
	changed = coalesceStrings(&a.Developers, pkg.Developers) || changed
	changed = coalesceStrings(&a.Publishers, pkg.Publishers) || changed
	changed = coalesceInt64(&a.TotalRecommendations, pkg.TotalRecommendations) || changed

	if a.Prices == nil {
		a.Prices = map[string]*CountryPrice{}
	}
	cp, ok := a.Prices[pkg.CountryCode]
	if !ok {
		cp = &CountryPrice{IsAvailable: true}
		a.Prices[pkg.CountryCode] = cp
		changed = true
	}
	if !cp.IsAvailable {
		cp.IsAvailable = true
		changed = true
	}
	changed = coalesceString(&cp.Currency, pkg.Currency) || changed

	if pkg.Price != nil {
		point := newPoint(pkg, now)
		latest := cp.Latest()
		switch {
		case latest == nil:
			cp.PriceStory = []PricePoint{point}
			changed = true
		case latest.Price != point.Price || latest.Discount != point.Discount:
			cp.PriceStory = append(cp.PriceStory, point)
			sortStory(cp.PriceStory)
			changed = true
		}
	}

	a.UpdatedAt = now
	if changed {
		return OutcomeUpdated
	}
	return OutcomeNoop
}

// MarkUnavailable records a failed observation for an existing document:
// the country flips to unavailable and no price point is appended. The
// latest stored point keeps marking the moment of transition.
func (a *App) MarkUnavailable(countryCode string, now time.Time) Outcome {
	if a.Prices == nil {
		a.Prices = map[string]*CountryPrice{}
	}
	cp, ok := a.Prices[countryCode]
	if !ok {
		cp = &CountryPrice{}
		a.Prices[countryCode] = cp
	}
	cp.IsAvailable = false
	a.UpdatedAt = now
	return OutcomeUnavailable
}

// Normalize enforces the story invariants on externally authored documents:
// every story ends up newest-first with runs of equal (price, discount) pairs
// collapsed to their oldest point, the same shape a sequence of merges would
// have produced.
func (a *App) Normalize() {
	for _, cp := range a.Prices {
		if cp == nil || len(cp.PriceStory) < 2 {
			continue
		}
		sortStory(cp.PriceStory)

		// Walk oldest to newest keeping only transitions.
		var kept []PricePoint
		for i := len(cp.PriceStory) - 1; i >= 0; i-- {
			p := cp.PriceStory[i]
			if n := len(kept); n > 0 && kept[n-1].Price == p.Price && kept[n-1].Discount == p.Discount {
				continue
			}
			kept = append(kept, p)
		}
		for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
			kept[i], kept[j] = kept[j], kept[i]
		}
		cp.PriceStory = kept
	}
}

func newPoint(pkg Package, now time.Time) PricePoint {
	discount := 0
	if pkg.Discount != nil {
		discount = *pkg.Discount
	}
	ts := now
	if pkg.Timestamp != nil {
		ts = *pkg.Timestamp
	}
	return PricePoint{
		Timestamp: ts,
		Price:     Round2(*pkg.Price),
		Discount:  discount,
	}
}

// sortStory keeps the story strictly newest-first. The sort is stable so two
// points sharing a timestamp keep their insertion order.
func sortStory(story []PricePoint) {
	sort.SliceStable(story, func(i, j int) bool {
		return story[i].Timestamp.After(story[j].Timestamp)
	})
}

func coalesceString(dst **string, src *string) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	*dst = src
	return true
}

func coalesceBool(dst **bool, src *bool) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	*dst = src
	return true
}

func coalesceInt64(dst **int64, src *int64) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	*dst = src
	return true
}

func coalesceStrings(dst *[]string, src []string) bool {
	if src == nil {
		return false
	}
	if equalStrings(*dst, src) {
		return false
	}
	*dst = src
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
