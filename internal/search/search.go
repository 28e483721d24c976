// Package search delegates full-text queries to the external index the ETL
// populates. The read path only consumes the returned id set; it intersects
// those ids with its own document query.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/steamwatch/steamwatch/internal/apperr"
)

// maxHits caps one search at the index's default result window.
const maxHits = 10000

// defaultFields are searched when the caller does not narrow the scope.
var defaultFields = []string{"name", "short_description"}

// Searcher is the contract the read path consumes.
type Searcher interface {
	// FulltextSearch returns the ids of apps matching term. A nil fields
	// slice searches the default field set.
	FulltextSearch(ctx context.Context, term string, fields []string) ([]int64, error)
}

// Elastic implements Searcher against an Elasticsearch-class index.
type Elastic struct {
	client *elasticsearch.Client
	index  string
	logger *slog.Logger
}

// NewElastic builds the client. The index is created and filled by the ETL;
// this side only queries it.
func NewElastic(addrs []string, index string, logger *slog.Logger) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addrs})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &Elastic{client: client, index: index, logger: logger}, nil
}

func (e *Elastic) FulltextSearch(ctx context.Context, term string, fields []string) ([]int64, error) {
	if len(fields) == 0 {
		fields = defaultFields
	}

	var buf bytes.Buffer
	query := map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  term,
				"fields": fields,
			},
		},
		"size":    maxHits,
		"_source": false,
	}
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("encode search query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, &apperr.APIClientError{Status: res.StatusCode, URL: e.index}
	}

	var sr struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	ids := make([]int64, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			// The ETL keys documents by app id; anything else is noise.
			e.logger.Warn("non-numeric document id in search index", slog.String("id", h.ID))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
