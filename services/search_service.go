package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matixlol/caloric/models"
)

// upstreamClient is what the orchestrator needs from the nutrition provider.
type upstreamClient interface {
	SearchNutrition(ctx context.Context, p SearchParams) (*UpstreamResult, error)
	FetchFoodDetail(ctx context.Context, foodID, version string) (*UpstreamResult, error)
}

// ResponsePayload is the serialized form of one upstream exchange. Status 0
// means the fetch failed before an HTTP response existed; Text then carries
// the error message.
type ResponsePayload struct {
	Status int             `json:"status"`
	URL    string          `json:"url"`
	Data   json.RawMessage `json:"data,omitempty"`
	Text   *string         `json:"text,omitempty"`
}

// DetailResult is one resolved (possibly failed) item detail, in the order
// its pair first appeared in the search payload.
type DetailResult struct {
	FoodID  string          `json:"food_id"`
	Version string          `json:"version,omitempty"`
	Status  int             `json:"status"`
	URL     string          `json:"url,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Text    *string         `json:"text,omitempty"`
}

type SearchResult struct {
	SearchResponseID uint            `json:"search_response_id"`
	Search           ResponsePayload `json:"search"`
	DetailCount      int             `json:"detail_count"`
	Details          []DetailResult  `json:"details"`
}

// SearchService implements the cache-or-fetch-and-enrich protocol: exact
// search tuples and (id, version) pairs are both cached, so identical
// searches never re-hit the provider and items shared across searches reuse
// one detail fetch.
type SearchService struct {
	cache       ResponseCache
	upstream    upstreamClient
	concurrency int
}

func NewSearchService(cache ResponseCache, upstream upstreamClient, concurrency int) *SearchService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SearchService{cache: cache, upstream: upstream, concurrency: concurrency}
}

func (s *SearchService) ExecuteSearch(ctx context.Context, p SearchParams, includeDetails bool) (*SearchResult, error) {
	rec, err := s.cache.FindCachedSearch(p)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		fetched, err := s.upstream.SearchNutrition(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("search fetch failed: %w", err)
		}
		rec = &models.SearchResponse{
			Query:        p.Query,
			Offset:       p.Offset,
			MaxItems:     p.MaxItems,
			CountryCode:  p.CountryCode,
			ResourceType: p.ResourceType,
			URL:          fetched.URL,
			Status:       fetched.Status,
			JSON:         []byte(fetched.JSON),
			Text:         fetched.Text,
		}
		if err := s.cache.InsertSearch(rec); err != nil {
			return nil, err
		}
	}

	result := &SearchResult{
		SearchResponseID: rec.ID,
		Search: ResponsePayload{
			Status: rec.Status,
			URL:    rec.URL,
			Data:   json.RawMessage(rec.JSON),
			Text:   rec.Text,
		},
		Details: []DetailResult{},
	}

	if !includeDetails || len(rec.JSON) == 0 {
		return result, nil
	}
	pairs := extractDetailPairs(json.RawMessage(rec.JSON))
	if len(pairs) == 0 {
		return result, nil
	}

	tasks := make([]func(context.Context) (DetailResult, error), len(pairs))
	for i, pair := range pairs {
		pair := pair
		tasks[i] = func(ctx context.Context) (DetailResult, error) {
			return s.resolveDetail(ctx, rec.ID, pair)
		}
	}
	details, err := RunWithConcurrency(ctx, tasks, s.concurrency)
	if err != nil {
		return nil, err
	}

	result.Details = details
	result.DetailCount = len(details)
	return result, nil
}

// resolveDetail produces the detail record for one pair: reuse a cached
// fetch from any earlier search (copied forward under the current search id
// so every search carries its own attachments), or hit the provider. A
// failed fetch becomes a status-0 record carrying the error message rather
// than an error, so one bad item never aborts the batch. Only cache failures
// propagate.
func (s *SearchService) resolveDetail(ctx context.Context, searchID uint, pair DetailPair) (DetailResult, error) {
	cached, err := s.cache.FindCachedDetail(pair.FoodID, pair.Version)
	if err != nil {
		return DetailResult{}, err
	}

	rec := &models.FoodDetailResponse{
		SearchResponseID: searchID,
		FoodID:           pair.FoodID,
		Version:          pair.Version,
	}
	if cached != nil {
		rec.URL = cached.URL
		rec.Status = cached.Status
		rec.JSON = cached.JSON
		rec.Text = cached.Text
	} else {
		fetched, err := s.upstream.FetchFoodDetail(ctx, pair.FoodID, pair.Version)
		if err != nil {
			msg := err.Error()
			rec.Status = 0
			rec.Text = &msg
		} else {
			rec.URL = fetched.URL
			rec.Status = fetched.Status
			rec.JSON = []byte(fetched.JSON)
			rec.Text = fetched.Text
		}
	}

	if err := s.cache.InsertDetail(rec); err != nil {
		return DetailResult{}, err
	}
	return DetailResult{
		FoodID:  pair.FoodID,
		Version: pair.Version,
		Status:  rec.Status,
		URL:     rec.URL,
		Data:    json.RawMessage(rec.JSON),
		Text:    rec.Text,
	}, nil
}

// NormalizedFoods flattens a detail-enriched search result into the shape
// shown to the model, dropping items without a usable name.
func NormalizedFoods(res *SearchResult) []Food {
	if res == nil || len(res.Search.Data) == 0 {
		return nil
	}

	detailsByPair := make(map[DetailPair]map[string]any, len(res.Details))
	for _, d := range res.Details {
		if d.Status >= 200 && d.Status < 300 && len(d.Data) > 0 {
			if item := itemFromDetail(d.Data); item != nil {
				detailsByPair[DetailPair{FoodID: d.FoodID, Version: d.Version}] = item
			}
		}
	}

	seen := make(map[DetailPair]struct{})
	var foods []Food
	for _, item := range searchItems(res.Search.Data) {
		id := stringifyID(item["id"])
		if id == "" {
			continue
		}
		pair := DetailPair{FoodID: id, Version: stringifyID(item["version"])}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		if f := normalizeFood(pair, item, detailsByPair[pair]); f != nil {
			foods = append(foods, *f)
		}
	}
	return foods
}
