package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const projectKeyPrefix = "project:"

// ProjectCache answers existence checks from Redis and falls back to the
// wrapped checker for ids it has not seen. Only known projects are cached, so
// a newly created project is accepted on its first request.
type ProjectCache struct {
	next  ProjectChecker
	redis redis.UniversalClient
	ttl   time.Duration
}

func NewProjectCache(next ProjectChecker, rdb redis.UniversalClient, ttl time.Duration) *ProjectCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProjectCache{next: next, redis: rdb, ttl: ttl}
}

func (c *ProjectCache) MissingProjects(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = projectKeyPrefix + id
	}

	uncached := ids
	cached, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Project cache lookup failed")
	} else {
		uncached = uncached[:0:0]
		for i, v := range cached {
			if v == nil {
				uncached = append(uncached, ids[i])
			}
		}
	}
	if len(uncached) == 0 {
		return nil, nil
	}

	missing, err := c.next.MissingProjects(ctx, uncached)
	if err != nil {
		return nil, err
	}

	unknown := make(map[string]struct{}, len(missing))
	for _, id := range missing {
		unknown[id] = struct{}{}
	}

	pipe := c.redis.Pipeline()
	for _, id := range uncached {
		if _, ok := unknown[id]; !ok {
			pipe.Set(ctx, projectKeyPrefix+id, 1, c.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to cache known projects")
	}
	return missing, nil
}
