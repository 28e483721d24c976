package steam

import (
	"log/slog"
	"time"

	"github.com/steamwatch/steamwatch/internal/catalog"
)

// countryCurrency maps the storefront's country codes to the currency it
// quotes there. Free apps carry no price_overview, so the currency for them
// comes from this table instead.
var countryCurrency = map[string]string{
	"US": "USD",
	"CN": "CNY",
	"JP": "JPY",
	"DE": "EUR",
	"IN": "INR",
	"GB": "GBP",
	"FR": "EUR",
	"IT": "EUR",
	"CA": "CAD",
	"KR": "KRW",
	"RU": "RUB",
	"BR": "BRL",
	"AU": "AUD",
	"ES": "EUR",
	"MX": "MXN",
	"ID": "IDR",
	"NL": "EUR",
	"CH": "CHF",
	"SE": "SEK",
	"BE": "EUR",
	"AT": "EUR",
	"AR": "USD",
	"NO": "NOK",
	"CZ": "CZK",
}

// CurrencyForCountry returns the storefront currency for a country code, or
// ("", false) for one outside the supported set.
func CurrencyForCountry(code string) (string, bool) {
	cur, ok := countryCurrency[code]
	return cur, ok
}

// BuildObservation folds one appdetails envelope into the package the backend
// ingests. An unsuccessful fetch, or a successful one with an empty data
// block, yields a package carrying only the identifying pair. now is the
// fetch time and rides along as the package timestamp, so a repost after a
// delayed ack keeps the moment of observation rather than receipt.
func BuildObservation(appID int64, countryCode string, detail *AppDetail, now time.Time, logger *slog.Logger) catalog.Observation {
	obs := catalog.Observation{
		IsSuccess: detail.Success,
		Data: catalog.Package{
			ID:          appID,
			CountryCode: countryCode,
		},
	}

	if !detail.Success {
		logger.Debug("app unavailable upstream",
			slog.Int64("app_id", appID),
			slog.String("country_code", countryCode))
		return obs
	}
	if detail.Data == nil {
		logger.Warn("successful appdetails response without data",
			slog.Int64("app_id", appID),
			slog.String("country_code", countryCode))
		return obs
	}

	d := detail.Data
	obs.Data.Timestamp = &now
	obs.Data.Name = d.Name
	obs.Data.Type = d.Type
	obs.Data.ShortDescription = d.ShortDescription
	obs.Data.IsFree = d.IsFree
	obs.Data.Developers = d.Developers
	obs.Data.Publishers = d.Publishers
	if d.Recommendations != nil {
		total := d.Recommendations.Total
		obs.Data.TotalRecommendations = &total
	}

	if d.IsFree != nil && *d.IsFree {
		// Free apps have no price_overview; they are a zero-price,
		// zero-discount point in the country's default currency.
		price, discount := 0.0, 0
		obs.Data.Price = &price
		obs.Data.Discount = &discount
		if cur, ok := CurrencyForCountry(countryCode); ok {
			obs.Data.Currency = &cur
		}
		return obs
	}

	if d.PriceOverview != nil {
		price := catalog.Round2(float64(d.PriceOverview.Final) / 100.0)
		discount := d.PriceOverview.DiscountPercent
		currency := d.PriceOverview.Currency
		obs.Data.Price = &price
		obs.Data.Discount = &discount
		obs.Data.Currency = &currency
	}
	return obs
}
