package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matixlol/caloric/config"
)

// SearchParams is the exact tuple identifying one upstream search request.
type SearchParams struct {
	Query        string
	Offset       int
	MaxItems     int
	CountryCode  string
	ResourceType string
}

// UpstreamResult is a completed upstream HTTP exchange. JSON is set when the
// body parsed; otherwise Text carries the raw body. Transport-level failures
// never produce an UpstreamResult, they return an error instead.
type UpstreamResult struct {
	Status int
	URL    string
	JSON   json.RawMessage
	Text   *string
}

type NutritionAPIService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewNutritionAPIService(cfg config.Settings) *NutritionAPIService {
	return &NutritionAPIService{
		baseURL: cfg.NutritionBaseURL,
		apiKey:  cfg.NutritionAPIKey,
		client:  &http.Client{Timeout: cfg.UpstreamTimeout},
	}
}

// SearchNutrition calls the provider's search endpoint.
func (s *NutritionAPIService) SearchNutrition(ctx context.Context, p SearchParams) (*UpstreamResult, error) {
	q := url.Values{}
	q.Set("query", p.Query)
	q.Set("offset", strconv.Itoa(p.Offset))
	q.Set("max_items", strconv.Itoa(p.MaxItems))
	q.Set("country_code", p.CountryCode)
	q.Set("resource_type", p.ResourceType)

	u := fmt.Sprintf("%s/search?%s", s.baseURL, q.Encode())
	return s.get(ctx, u)
}

// FetchFoodDetail calls the provider's per-item endpoint.
func (s *NutritionAPIService) FetchFoodDetail(ctx context.Context, foodID, version string) (*UpstreamResult, error) {
	u := fmt.Sprintf("%s/foods/%s?version=%s",
		s.baseURL, url.PathEscape(foodID), url.QueryEscape(version))
	return s.get(ctx, u)
}

func (s *NutritionAPIService) get(ctx context.Context, u string) (*UpstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call nutrition API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read nutrition API response: %w", err)
	}

	out := &UpstreamResult{Status: resp.StatusCode, URL: u}
	if json.Valid(body) {
		out.JSON = json.RawMessage(body)
	} else {
		raw := string(body)
		out.Text = &raw
	}
	return out, nil
}
