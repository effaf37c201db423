package search

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/reportgen/internal/metrics"
	"github.com/Kocoro-lab/reportgen/internal/tracing"
)

type guarded struct {
	inner   Provider
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Guarded wraps p with rate limiting, metrics, a span per call and panic
// recovery. Errors are returned for logging; callers treat them as no results.
func Guarded(p Provider, limiter *rate.Limiter, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &guarded{inner: p, limiter: limiter, logger: logger}
}

func (g *guarded) Name() string { return g.inner.Name() }

func (g *guarded) Search(ctx context.Context, query string, topN int) (results []Result, err error) {
	engine := g.inner.Name()
	ctx, span := tracing.StartSpan(ctx, "search.query",
		attribute.String("search.engine", engine),
		attribute.String("search.query", query),
		attribute.Int("search.top_n", topN),
	)
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("%s: panic: %v", engine, r)
		}
		status := "success"
		if err != nil {
			status = "error"
			g.logger.Warn("Search failed",
				zap.String("engine", engine),
				zap.String("query", query),
				zap.Error(err),
			)
		}
		metrics.SearchCalls.WithLabelValues(engine, status).Inc()
		span.SetAttributes(attribute.Int("search.results", len(results)))
		tracing.EndSpan(span, err)
	}()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit wait: %w", engine, err)
	}

	start := time.Now()
	results, err = g.inner.Search(ctx, query, topN)
	metrics.SearchLatency.WithLabelValues(engine).Observe(time.Since(start).Seconds())
	return results, err
}
