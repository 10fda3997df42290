// Package ratelimit implements a sliding-window rate limiter over Redis
// sorted sets, with an optional in-process fallback for deployments that
// accept a weaker guarantee when Redis is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter enforces per-key sliding-window limits.
type Limiter struct {
	client        *redis.Client
	allowFallback bool
	fallback      *localLimiter
}

// New builds a Limiter over client. When allowFallback is true, a Redis
// error causes Allow to fall back to an in-process window instead of
// returning an error; deployments that cannot accept the weaker
// cross-process guarantee should pass false.
func New(client *redis.Client, allowFallback bool) *Limiter {
	return &Limiter{
		client:        client,
		allowFallback: allowFallback,
		fallback:      newLocalLimiter(),
	}
}

// Allow reports whether a call under key is permitted given at most limit
// calls per window. Each call both trims expired entries and records the
// current one in a single Redis transaction; if recording pushes the set
// size over limit, the just-added entry is retroactively removed and the
// call is denied.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	allowed, err := l.allowRedis(ctx, key, limit, window)
	if err == nil {
		return allowed, nil
	}
	if !l.allowFallback {
		return false, fmt.Errorf("ratelimit: redis unavailable: %w", err)
	}
	return l.fallback.Allow(key, limit, window), nil
}

func (l *Limiter) allowRedis(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-window).UnixNano()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("pipeline exec: %w", err)
	}

	if card.Val() > int64(limit) {
		l.client.ZRem(ctx, key, member)
		return false, nil
	}
	return true, nil
}

// localLimiter is the in-process fallback: the same sliding-window
// semantics, scoped to this process only.
type localLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{windows: make(map[string][]time.Time)}
}

func (l *localLimiter) Allow(key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	kept := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		l.windows[key] = kept
		return false
	}
	l.windows[key] = append(kept, now)
	return true
}
