package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
)

// Brave queries the Brave web search API.
type Brave struct {
	apiKey  string
	baseURL string
	doer    circuitbreaker.HTTPDoer
}

func NewBrave(apiKey, baseURL string, doer circuitbreaker.HTTPDoer) *Brave {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Brave{apiKey: apiKey, baseURL: baseOr(baseURL, "https://api.search.brave.com"), doer: doer}
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title         string   `json:"title"`
			URL           string   `json:"url"`
			Description   string   `json:"description"`
			Age           string   `json:"age"`
			ExtraSnippets []string `json:"extra_snippets"`
		} `json:"results"`
	} `json:"web"`
}

func (b *Brave) Search(ctx context.Context, query string, topN int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(topN))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/res/v1/web/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	body, err := do(b.doer, b.Name(), req)
	if err != nil {
		return nil, err
	}
	var raw braveResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("brave: decode: %w", err)
	}

	out := make([]Result, 0, len(raw.Web.Results))
	for i, r := range raw.Web.Results {
		if topN > 0 && i >= topN {
			break
		}
		content := r.Description
		if len(r.ExtraSnippets) > 0 {
			content += "\n" + strings.Join(r.ExtraSnippets, "\n")
		}
		out = append(out, Result{
			URL:     r.URL,
			Title:   r.Title,
			Summary: r.Description,
			Content: content,
			Date:    r.Age,
		})
	}
	return out, nil
}
