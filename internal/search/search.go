// Package search adapts web search engines to a single Provider interface.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/circuitbreaker"
	"github.com/Kocoro-lab/reportgen/internal/config"
)

// Result is one search hit.
type Result struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Content string `json:"content"`
	Date    string `json:"date,omitempty"`
	ID      int    `json:"id,omitempty"`
}

// Provider runs one query against a search engine.
type Provider interface {
	Search(ctx context.Context, query string, topN int) ([]Result, error)
	Name() string
}

var ErrUnknownEngine = errors.New("unknown search engine")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Engine string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Engine, e.Code, e.Body)
}

// New builds the provider named by cfg.Engine. Requests go through an HTTP
// client guarded by a circuit breaker named "search-<engine>".
func New(cfg config.SearchConfig, cb circuitbreaker.Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	engine := strings.ToLower(strings.TrimSpace(cfg.Engine))
	doer := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "search-"+engine, cb, logger)

	switch engine {
	case "tavily":
		return NewTavily(cfg.TavilyAPIKey, cfg.BaseURL, doer), nil
	case "jina":
		return NewJina(cfg.JinaAPIKey, cfg.BaseURL, timeout, doer), nil
	case "serper":
		return NewSerper(cfg.SerperAPIKey, cfg.BaseURL, doer), nil
	case "brave":
		return NewBrave(cfg.BraveAPIKey, cfg.BaseURL, doer), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

// do sends req and returns the body of a 2xx response.
func do(doer circuitbreaker.HTTPDoer, engine string, req *http.Request) ([]byte, error) {
	resp, err := doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", engine, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Engine: engine, Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

func baseOr(override, def string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return def
}
