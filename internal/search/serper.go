package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
)

// Serper queries google.serper.dev. Only snippets are available.
type Serper struct {
	apiKey  string
	baseURL string
	doer    circuitbreaker.HTTPDoer
}

func NewSerper(apiKey, baseURL string, doer circuitbreaker.HTTPDoer) *Serper {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Serper{apiKey: apiKey, baseURL: baseOr(baseURL, "https://google.serper.dev"), doer: doer}
}

func (s *Serper) Name() string { return "serper" }

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"organic"`
}

func (s *Serper) Search(ctx context.Context, query string, topN int) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{"q": query, "num": topN})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := do(s.doer, s.Name(), req)
	if err != nil {
		return nil, err
	}
	var raw serperResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("serper: decode: %w", err)
	}

	out := make([]Result, 0, len(raw.Organic))
	for i, r := range raw.Organic {
		if topN > 0 && i >= topN {
			break
		}
		out = append(out, Result{
			URL:     r.Link,
			Title:   r.Title,
			Summary: r.Snippet,
			Content: r.Snippet,
			Date:    r.Date,
		})
	}
	return out, nil
}
