package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard はSET NX EXで記録するGuard実装。複数インスタンスで記録を共有する。
type RedisGuard struct {
	redis  redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisGuard はRedisGuardを生成する。
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = "authgate:vt"
	}
	return &RedisGuard{redis: client, ttl: ttl, prefix: prefix}
}

func (g *RedisGuard) key(token string) string {
	return g.prefix + ":" + hashToken(token)
}

func (g *RedisGuard) Claim(ctx context.Context, token string) (bool, error) {
	ok, err := g.redis.SetNX(ctx, g.key(token), 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim verification token: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, token string) error {
	if err := g.redis.Del(ctx, g.key(token)).Err(); err != nil {
		return fmt.Errorf("release verification token: %w", err)
	}
	return nil
}
