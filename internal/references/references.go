// Package references assigns session-global ids to cited URLs.
package references

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/config"
	"github.com/Kocoro-lab/reportgen/internal/metadata"
	"github.com/Kocoro-lab/reportgen/internal/search"
)

// Entry is one numbered reference of the final report.
type Entry struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

// Registry hands out reference ids. The same URL always resolves to the same
// id; ids are never reused and increase strictly, gaps allowed.
type Registry interface {
	Register(ctx context.Context, url, content string) (int, error)
	Lookup(ctx context.Context, url string) (int, bool, error)
	Entries(ctx context.Context) ([]Entry, error)
}

// New builds the registry selected by cfg.Backend. The returned close func
// releases the Redis connection, if any.
func New(ctx context.Context, cfg config.ReferencesConfig, logger *zap.Logger) (Registry, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(1), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect reference store %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedis(client, cfg.Redis.KeyPrefix, logger), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown reference backend %q", cfg.Backend)
	}
}

// RealReferences maps search results to the sorted, de-duplicated ids of the
// URLs already registered. Unregistered URLs are skipped.
func RealReferences(ctx context.Context, reg Registry, refs []search.Result) ([]int, error) {
	seen := make(map[int]struct{}, len(refs))
	ids := make([]int, 0, len(refs))
	for _, r := range refs {
		id, ok, err := reg.Lookup(ctx, r.URL)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func key(url string) string { return metadata.CanonicalKey(url) }
