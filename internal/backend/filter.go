package backend

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/steamwatch/steamwatch/internal/apperr"
)

// The filter grammar: `<field>__<op>=<value>` query params translate to
// document query clauses. A bare `<field>=<value>` is an equality match.
// Method filters (`is_available_in_countries`, `discount*`, `search`) expand
// to clauses the document schema cannot express as a plain field path.

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
	kindTime
	kindStringList
)

// filterableFields whitelists the fields the grammar accepts and fixes the
// type each value parses as.
var filterableFields = map[string]fieldKind{
	"id":                    kindInt,
	"name":                  kindString,
	"type":                  kindString,
	"short_description":     kindString,
	"is_free":               kindBool,
	"developers":            kindStringList,
	"publishers":            kindStringList,
	"total_recommendations": kindInt,
	"updated_at":            kindTime,
}

var sortableFields = map[string]struct{}{
	"id":                    {},
	"name":                  {},
	"type":                  {},
	"is_free":               {},
	"total_recommendations": {},
	"updated_at":            {},
}

// reservedParams are consumed by pagination and never reach the grammar.
var reservedParams = map[string]struct{}{
	"page": {},
	"size": {},
}

// ListQuery is a parsed GET /apps query string.
type ListQuery struct {
	Clauses    []bson.M
	SearchTerm string
	Sort       bson.D
}

// defaultSort orders the storefront list by recommendation count, most
// recommended first.
var defaultSort = bson.D{{Key: "total_recommendations", Value: -1}}

// ParseListQuery translates the query params into document query clauses.
// mainCountry anchors the discount method filters and the discount sort.
func ParseListQuery(q url.Values, mainCountry string) (*ListQuery, error) {
	lq := &ListQuery{}

	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := q.Get(key)
		if _, ok := reservedParams[key]; ok {
			continue
		}

		switch key {
		case "order_by":
			s, err := parseOrderBy(raw, mainCountry)
			if err != nil {
				return nil, err
			}
			lq.Sort = s
			continue
		case "search":
			lq.SearchTerm = raw
			continue
		case "is_available_in_countries":
			for _, cc := range splitList(raw) {
				if len(cc) != 2 {
					return nil, apperr.Validationf("country code must be 2 letters, got %q", cc)
				}
				lq.Clauses = append(lq.Clauses,
					bson.M{"prices." + strings.ToUpper(cc) + ".is_available": true})
			}
			continue
		}

		field, op := splitOperator(key)
		if field == "discount" {
			clause, err := discountClause(op, raw, mainCountry)
			if err != nil {
				return nil, err
			}
			lq.Clauses = append(lq.Clauses, clause)
			continue
		}

		kind, ok := filterableFields[field]
		if !ok {
			return nil, apperr.Validationf("unknown filter field %q", field)
		}
		clause, err := buildClause(docField(field), kind, op, raw)
		if err != nil {
			return nil, err
		}
		lq.Clauses = append(lq.Clauses, clause)
	}

	if len(lq.Sort) == 0 {
		lq.Sort = defaultSort
	}
	return lq, nil
}

// Filter folds the clauses plus an optional search id set into one query
// document. searchIDs nil means no search ran; an empty non-nil set means the
// search matched nothing and the query must too.
func (lq *ListQuery) Filter(searchIDs []int64) bson.M {
	clauses := lq.Clauses
	if searchIDs != nil {
		clauses = append(append([]bson.M{}, clauses...),
			bson.M{"_id": bson.M{"$in": searchIDs}})
	}
	switch len(clauses) {
	case 0:
		return bson.M{}
	case 1:
		return clauses[0]
	default:
		return bson.M{"$and": clauses}
	}
}

// splitOperator separates "name__ilike" into ("name", "ilike"); a key with no
// suffix is an equality match.
func splitOperator(key string) (string, string) {
	if i := strings.LastIndex(key, "__"); i > 0 {
		return key[:i], key[i+2:]
	}
	return key, "eq"
}

func docField(field string) string {
	if field == "id" {
		return "_id"
	}
	return field
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildClause(field string, kind fieldKind, op, raw string) (bson.M, error) {
	switch op {
	case "eq":
		v, err := parseValue(kind, raw)
		if err != nil {
			return nil, err
		}
		return bson.M{field: v}, nil

	case "ne", "gt", "gte", "lt", "lte":
		v, err := parseValue(kind, raw)
		if err != nil {
			return nil, err
		}
		return bson.M{field: bson.M{"$" + op: v}}, nil

	case "in", "nin":
		parts := splitList(raw)
		if len(parts) == 0 {
			return nil, apperr.Validationf("__%s needs at least one value", op)
		}
		vals := make([]any, 0, len(parts))
		for _, p := range parts {
			v, err := parseValue(kind, p)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return bson.M{field: bson.M{"$" + op: vals}}, nil

	case "like", "ilike":
		if kind != kindString && kind != kindStringList {
			return nil, apperr.Validationf("__%s applies to string fields only", op)
		}
		m := bson.M{"$regex": regexp.QuoteMeta(raw)}
		if op == "ilike" {
			m["$options"] = "i"
		}
		return bson.M{field: m}, nil

	case "isnull":
		want, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, apperr.Validationf("__isnull takes true or false, got %q", raw)
		}
		if want {
			return bson.M{field: nil}, nil
		}
		return bson.M{field: bson.M{"$ne": nil}}, nil

	case "exists":
		want, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, apperr.Validationf("__exists takes true or false, got %q", raw)
		}
		return bson.M{field: bson.M{"$exists": want}}, nil

	default:
		return nil, apperr.Validationf("unknown filter operator %q", op)
	}
}

func parseValue(kind fieldKind, raw string) (any, error) {
	switch kind {
	case kindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, apperr.Validationf("expected an integer, got %q", raw)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, apperr.Validationf("expected true or false, got %q", raw)
		}
		return b, nil
	case kindTime:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apperr.Validationf("expected an RFC3339 timestamp, got %q", raw)
		}
		return ts, nil
	default:
		return raw, nil
	}
}

// discountPath targets the latest point of the main country's story.
func discountPath(mainCountry string) string {
	return "prices." + mainCountry + ".price_story.0.discount"
}

func discountClause(op, raw, mainCountry string) (bson.M, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apperr.Validationf("discount must be an integer, got %q", raw)
	}
	path := discountPath(mainCountry)
	switch op {
	case "eq":
		return bson.M{path: n}, nil
	case "gte":
		return bson.M{path: bson.M{"$gte": n}}, nil
	case "lte":
		return bson.M{path: bson.M{"$lte": n}}, nil
	default:
		return nil, apperr.Validationf("discount supports __gte and __lte only, got __%s", op)
	}
}

// parseOrderBy reads "+field,-field" pairs. A bare field sorts descending,
// the direction the storefront default uses.
func parseOrderBy(raw, mainCountry string) (bson.D, error) {
	var out bson.D
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dir := -1
		switch part[0] {
		case '+':
			dir = 1
			part = part[1:]
		case '-':
			part = part[1:]
		}
		if part == "" {
			return nil, apperr.Validationf("order_by has an empty field")
		}
		if _, dup := seen[part]; dup {
			return nil, apperr.Validationf("duplicate order_by field %q", part)
		}
		seen[part] = struct{}{}

		var key string
		switch {
		case part == "discount":
			key = discountPath(mainCountry)
		default:
			if _, ok := sortableFields[part]; !ok {
				return nil, apperr.Validationf("unsupported order_by field %q", part)
			}
			key = docField(part)
		}
		out = append(out, bson.E{Key: key, Value: dir})
	}
	return out, nil
}
