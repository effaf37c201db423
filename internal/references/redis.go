package references

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportgen/internal/metrics"
)

// Redis stores the registry in three keys:
//
//	{prefix}:seq      INCR counter
//	{prefix}:ids      hash canonical-url -> id
//	{prefix}:entries  hash id -> Entry JSON
//
// An id allocated by a writer that then loses the HSETNX race is burned.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "reportgen:refs"
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) seqKey() string     { return r.prefix + ":seq" }
func (r *Redis) idsKey() string     { return r.prefix + ":ids" }
func (r *Redis) entriesKey() string { return r.prefix + ":entries" }

func (r *Redis) Register(ctx context.Context, url, content string) (int, error) {
	k := key(url)
	if id, ok, err := r.Lookup(ctx, url); err != nil || ok {
		if ok {
			metrics.ReferencesRegistered.WithLabelValues("redis", "existing").Inc()
		}
		return id, err
	}

	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate reference id: %w", err)
	}
	claimed, err := r.client.HSetNX(ctx, r.idsKey(), k, seq).Result()
	if err != nil {
		return 0, fmt.Errorf("claim reference url: %w", err)
	}
	if !claimed {
		id, ok, err := r.Lookup(ctx, url)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("reference %s claimed but not readable", url)
		}
		r.logger.Debug("Reference id burned after lost claim",
			zap.Int64("burned", seq),
			zap.Int("id", id),
		)
		metrics.ReferencesRegistered.WithLabelValues("redis", "existing").Inc()
		return id, nil
	}

	body, err := json.Marshal(Entry{ID: int(seq), Content: content, URL: url})
	if err != nil {
		return 0, err
	}
	if err := r.client.HSet(ctx, r.entriesKey(), strconv.FormatInt(seq, 10), body).Err(); err != nil {
		return 0, fmt.Errorf("store reference entry: %w", err)
	}
	metrics.ReferencesRegistered.WithLabelValues("redis", "new").Inc()
	return int(seq), nil
}

// Ping checks the connection backing the registry.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Lookup(ctx context.Context, url string) (int, bool, error) {
	v, err := r.client.HGet(ctx, r.idsKey(), key(url)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup reference: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Entries(ctx context.Context) ([]Entry, error) {
	raw, err := r.client.HGetAll(ctx, r.entriesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for field, body := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			r.logger.Warn("Skipping malformed reference entry", zap.String("id", field), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
