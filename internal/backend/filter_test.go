package backend

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/steamwatch/steamwatch/internal/catalog"
)

func parseQuery(t *testing.T, raw string) (*ListQuery, error) {
	t.Helper()
	q, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return ParseListQuery(q, "US")
}

func TestParseListQueryOperators(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  bson.M
	}{
		{"bare equality", "name=Portal", bson.M{"name": "Portal"}},
		{"id maps to _id", "id=10", bson.M{"_id": int64(10)}},
		{"ne", "type__ne=dlc", bson.M{"type": bson.M{"$ne": "dlc"}}},
		{"gte int", "total_recommendations__gte=100", bson.M{"total_recommendations": bson.M{"$gte": int64(100)}}},
		{"lte int", "total_recommendations__lte=5", bson.M{"total_recommendations": bson.M{"$lte": int64(5)}}},
		{"bool", "is_free=true", bson.M{"is_free": true}},
		{"in", "type__in=game,dlc", bson.M{"type": bson.M{"$in": []any{"game", "dlc"}}}},
		{"nin", "id__nin=1,2", bson.M{"_id": bson.M{"$nin": []any{int64(1), int64(2)}}}},
		{"like", "name__like=Port", bson.M{"name": bson.M{"$regex": "Port"}}},
		{"ilike", "name__ilike=port", bson.M{"name": bson.M{"$regex": "port", "$options": "i"}}},
		{"isnull true", "short_description__isnull=true", bson.M{"short_description": nil}},
		{"isnull false", "short_description__isnull=false", bson.M{"short_description": bson.M{"$ne": nil}}},
		{"exists", "name__exists=true", bson.M{"name": bson.M{"$exists": true}}},
		{"developers list field", "developers=Valve", bson.M{"developers": "Valve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lq, err := parseQuery(t, tt.query)
			require.NoError(t, err)
			require.Len(t, lq.Clauses, 1)
			assert.Equal(t, tt.want, lq.Clauses[0])
		})
	}
}

func TestParseListQueryRejects(t *testing.T) {
	for _, query := range []string{
		"unknown_field=1",
		"name__regex=x",
		"total_recommendations=abc",
		"is_free=maybe",
		"type__in=",
		"is_free__like=true",
		"updated_at=not-a-time",
		"discount__gt=10",
		"is_available_in_countries=USA",
		"name__isnull=perhaps",
	} {
		t.Run(query, func(t *testing.T) {
			_, err := parseQuery(t, query)
			assert.Error(t, err)
		})
	}
}

func TestParseListQueryDiscountFilters(t *testing.T) {
	lq, err := parseQuery(t, "discount__gte=50")
	require.NoError(t, err)
	require.Len(t, lq.Clauses, 1)
	assert.Equal(t, bson.M{"prices.US.price_story.0.discount": bson.M{"$gte": 50}}, lq.Clauses[0])

	lq, err = parseQuery(t, "discount=0")
	require.NoError(t, err)
	assert.Equal(t, bson.M{"prices.US.price_story.0.discount": 0}, lq.Clauses[0])
}

func TestParseListQueryAvailableInCountries(t *testing.T) {
	lq, err := parseQuery(t, "is_available_in_countries=us,de")
	require.NoError(t, err)
	require.Len(t, lq.Clauses, 2)
	assert.Contains(t, lq.Clauses, bson.M{"prices.US.is_available": true})
	assert.Contains(t, lq.Clauses, bson.M{"prices.DE.is_available": true})
}

func TestParseListQuerySearchTerm(t *testing.T) {
	lq, err := parseQuery(t, "search=portal")
	require.NoError(t, err)
	assert.Equal(t, "portal", lq.SearchTerm)
	assert.Empty(t, lq.Clauses)
}

func TestParseOrderBy(t *testing.T) {
	lq, err := parseQuery(t, "order_by=%2Bname,-updated_at")
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "name", Value: 1}, {Key: "updated_at", Value: -1}}, lq.Sort)

	// A bare field sorts descending.
	lq, err = parseQuery(t, "order_by=total_recommendations")
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "total_recommendations", Value: -1}}, lq.Sort)

	// The discount method sort targets the latest main-country point.
	lq, err = parseQuery(t, "order_by=-discount")
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "prices.US.price_story.0.discount", Value: -1}}, lq.Sort)

	for _, raw := range []string{"name,name", "+name,-name", "prices", "+"} {
		q := url.Values{"order_by": []string{raw}}
		_, err := ParseListQuery(q, "US")
		assert.Error(t, err, "order_by=%s", raw)
	}
}

func TestParseListQueryDefaultSort(t *testing.T) {
	lq, err := parseQuery(t, "")
	require.NoError(t, err)
	assert.Equal(t, defaultSort, lq.Sort)
}

func TestFilterComposition(t *testing.T) {
	lq, err := parseQuery(t, "is_free=false&type=game")
	require.NoError(t, err)

	filter := lq.Filter(nil)
	and, ok := filter["$and"].([]bson.M)
	require.True(t, ok, "two clauses should fold into $and, got %v", filter)
	assert.Len(t, and, 2)
}

func TestFilterSearchIDs(t *testing.T) {
	lq, err := parseQuery(t, "")
	require.NoError(t, err)

	// nil means no search ran; the filter must stay open.
	assert.Equal(t, bson.M{}, lq.Filter(nil))

	// An empty non-nil set must match nothing.
	filter := lq.Filter([]int64{})
	assert.Equal(t, bson.M{"_id": bson.M{"$in": []int64{}}}, filter)

	filter = lq.Filter([]int64{3, 7})
	assert.Equal(t, bson.M{"_id": bson.M{"$in": []int64{3, 7}}}, filter)
}

func TestCompactRow(t *testing.T) {
	usd := "USD"
	app := storedApp(10, "Portal", 19.99, 0)
	app.Prices["US"].Currency = &usd
	app.Prices["DE"] = &catalog.CountryPrice{IsAvailable: true}

	row := compactRow(app)
	require.Contains(t, row.Prices, "US")
	us := row.Prices["US"]
	require.NotNil(t, us.Price)
	assert.Equal(t, 19.99, *us.Price)
	assert.Equal(t, 0, *us.Discount)
	assert.Equal(t, &usd, us.Currency)

	// An empty story keeps availability only.
	de := row.Prices["DE"]
	assert.True(t, de.IsAvailable)
	assert.Nil(t, de.Price)
}
