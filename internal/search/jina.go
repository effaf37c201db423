package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
)

// Jina queries s.jina.ai, which returns page content in the response.
type Jina struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	doer    circuitbreaker.HTTPDoer
}

func NewJina(apiKey, baseURL string, timeout time.Duration, doer circuitbreaker.HTTPDoer) *Jina {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Jina{apiKey: apiKey, baseURL: baseOr(baseURL, "https://s.jina.ai"), timeout: timeout, doer: doer}
}

func (j *Jina) Name() string { return "jina" }

type jinaResponse struct {
	Data []struct {
		URL           string `json:"url"`
		Title         string `json:"title"`
		Description   string `json:"description"`
		Content       string `json:"content"`
		PublishedTime string `json:"publishedTime"`
	} `json:"data"`
}

func (j *Jina) Search(ctx context.Context, query string, topN int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("num", strconv.Itoa(topN))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"/?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+j.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Retain-Images", "none")
	if j.timeout > 0 {
		req.Header.Set("X-Timeout", strconv.Itoa(int(j.timeout.Seconds())))
	}

	body, err := do(j.doer, j.Name(), req)
	if err != nil {
		return nil, err
	}
	var raw jinaResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("jina: decode: %w", err)
	}

	out := make([]Result, 0, len(raw.Data))
	for _, d := range raw.Data {
		out = append(out, Result{
			URL:     d.URL,
			Title:   d.Title,
			Summary: d.Description,
			Content: d.Content,
			Date:    d.PublishedTime,
		})
	}
	return out, nil
}
