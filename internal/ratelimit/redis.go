package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowLua はソート済みセットで1バケットを原子的に判定する。
// KEYS[1] = バケットキー
// ARGV[1] = 現在時刻 (ms)
// ARGV[2] = ウィンドウ長 (ms)
// ARGV[3] = 最大リクエスト数
// ARGV[4] = メンバー名 (一意)
//
// 許可した場合は1、拒否した場合は0を返す。
var slidingWindowLua = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= max then
  return 0
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// RedisLimiter はRedisのソート済みセットでバケットを共有するLimiter実装。
// 複数インスタンスが同じ予算を消費する。
type RedisLimiter struct {
	redis  redis.UniversalClient
	policy Policy
	prefix string
	now    func() time.Time
}

// NewRedisLimiter は新しいRedisLimiterを生成する。
func NewRedisLimiter(client redis.UniversalClient, policy Policy, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "authgate:rl"
	}
	return &RedisLimiter{
		redis:  client,
		policy: policy,
		prefix: prefix,
		now:    time.Now,
	}
}

// Allow はLuaスクリプトで枝刈り・計数・条件付き追加を1往復で行う。
func (l *RedisLimiter) Allow(ctx context.Context, ip, operation string) (bool, error) {
	key := l.prefix + ":" + Key(ip, operation)
	now := l.now().UnixMilli()

	res, err := slidingWindowLua.Run(ctx, l.redis, []string{key},
		now,
		l.policy.Window.Milliseconds(),
		l.policy.Max,
		strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script for %s: %w", key, err)
	}
	return res == 1, nil
}
