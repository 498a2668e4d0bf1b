package controller

import (
	"context"
	"time"

	"github.com/scancore/crawler/internal/cache"
	"github.com/redis/go-redis/v9"
)

// SeenSet answers "have we already processed done-notification X" so a
// redelivered notification (the worker crashed before acking, or the bus
// retried a slow ack) never double-counts towards a bulk scan's
// jobsCompleted total.
type SeenSet interface {
	// MarkSeen reports whether id was newly recorded (true) or had already
	// been seen (false).
	MarkSeen(ctx context.Context, id string) (bool, error)
}

// redisSeenSet backs the set with a Redis SET NX/EXPIRE pair, shared
// across every controller instance — required once more than one
// controller replica consumes the same done-notification destination.
type redisSeenSet struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSeenSet(rdb *redis.Client, ttl time.Duration) SeenSet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisSeenSet{rdb: rdb, ttl: ttl}
}

func (s *redisSeenSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	return s.rdb.SetNX(ctx, "scan:seen:"+id, 1, s.ttl).Result()
}

// localSeenSet is the in-process fallback used when no Redis address is
// configured; it only dedupes within a single controller instance, which
// is sufficient when exactly one controller replica runs.
type localSeenSet struct {
	c *cache.Cache
}

func NewLocalSeenSet(ttl time.Duration) SeenSet {
	return &localSeenSet{c: cache.New(ttl)}
}

func (s *localSeenSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	if _, ok := s.c.Get(id); ok {
		return false, nil
	}
	s.c.Set(id, struct{}{})
	return true, nil
}
