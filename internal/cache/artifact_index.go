package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	artifactKeyPrefix = "videodub:artifacts:"
	scanBatchSize     = 100
)

// ArtifactIndex stores artifact records in one Redis hash per job so every API
// replica sees the same registry.
type ArtifactIndex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewArtifactIndex returns a Redis backed index when caching is enabled and a
// process-local one otherwise.
func NewArtifactIndex(cfg config.CacheConfig) (artifacts.Index, error) {
	if !cfg.Enabled {
		return artifacts.NewMemoryIndex(), nil
	}

	client, ttl, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Dur("ttl", ttl).Msg("cache: artifact index backed by redis")
	return NewArtifactIndexWithClient(client, ttl), nil
}

func NewArtifactIndexWithClient(client *redis.Client, ttl time.Duration) *ArtifactIndex {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ArtifactIndex{client: client, ttl: ttl}
}

func jobKey(jobID string) string {
	return artifactKeyPrefix + jobID
}

func (c *ArtifactIndex) Put(ctx context.Context, rec artifacts.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal artifact record: %w", err)
	}

	key := jobKey(rec.JobID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, string(rec.Kind), payload)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

func (c *ArtifactIndex) Get(ctx context.Context, jobID string, kind artifacts.Kind) (artifacts.Record, bool, error) {
	payload, err := c.client.HGet(ctx, jobKey(jobID), string(kind)).Bytes()
	if err == redis.Nil {
		return artifacts.Record{}, false, nil
	}
	if err != nil {
		return artifacts.Record{}, false, fmt.Errorf("redis hget failed: %w", err)
	}

	var rec artifacts.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		// A corrupt entry is treated as a miss so storage can answer instead.
		_ = c.client.HDel(ctx, jobKey(jobID), string(kind)).Err()
		return artifacts.Record{}, false, nil
	}
	return rec, true, nil
}

func (c *ArtifactIndex) List(ctx context.Context, jobID string) ([]artifacts.Record, error) {
	entries, err := c.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	out := make([]artifacts.Record, 0, len(entries))
	for _, payload := range entries {
		var rec artifacts.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (c *ArtifactIndex) Remove(ctx context.Context, jobID string, kinds ...artifacts.Kind) error {
	if len(kinds) == 0 {
		return nil
	}
	fields := make([]string, len(kinds))
	for i, k := range kinds {
		fields[i] = string(k)
	}
	if err := c.client.HDel(ctx, jobKey(jobID), fields...).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

func (c *ArtifactIndex) DeleteJob(ctx context.Context, jobID string) error {
	if err := c.client.Del(ctx, jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// InvalidateAll drops every job entry and returns how many were removed.
func (c *ArtifactIndex) InvalidateAll(ctx context.Context) (int, error) {
	return deleteKeysWithPrefix(ctx, c.client, artifactKeyPrefix, scanBatchSize)
}

func (c *ArtifactIndex) Close() error {
	return c.client.Close()
}

var _ artifacts.Index = (*ArtifactIndex)(nil)
