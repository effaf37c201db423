package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
)

// Tavily queries api.tavily.com with raw page content included.
type Tavily struct {
	apiKey  string
	baseURL string
	doer    circuitbreaker.HTTPDoer
}

func NewTavily(apiKey, baseURL string, doer circuitbreaker.HTTPDoer) *Tavily {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Tavily{apiKey: apiKey, baseURL: baseOr(baseURL, "https://api.tavily.com"), doer: doer}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyResponse struct {
	Results []struct {
		URL           string `json:"url"`
		Title         string `json:"title"`
		Content       string `json:"content"`
		RawContent    string `json:"raw_content"`
		PublishedDate string `json:"published_date"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, topN int) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{
		"query":               query,
		"max_results":         topN,
		"include_raw_content": true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	body, err := do(t.doer, t.Name(), req)
	if err != nil {
		return nil, err
	}
	var raw tavilyResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("tavily: decode: %w", err)
	}

	out := make([]Result, 0, len(raw.Results))
	for _, r := range raw.Results {
		out = append(out, Result{
			URL:     r.URL,
			Title:   r.Title,
			Summary: r.Content,
			Content: r.RawContent,
			Date:    r.PublishedDate,
		})
	}
	return out, nil
}
