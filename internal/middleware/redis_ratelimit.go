package middleware

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared across replicas through Redis.
// It fails open when Redis is unreachable.
type RedisLimiter struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRedisClient connects to Redis and checks it answers
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// NewRedisLimiter creates a limiter allowing limit requests per window for each key
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client:  client,
		logger:  logger,
		prefix:  "devicelink:ratelimit:",
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
	}
}

// Allow increments the counter for key and reports whether it is within the limit
func (rl *RedisLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	// INCR and EXPIRE NX run in one MULTI so a counter can never outlive its window
	redisKey := rl.prefix + key
	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, rl.window)
		return nil
	})
	if err != nil {
		rl.logger.Error("redis rate limiter error", "op", "incr_expire", "error", err)
		return true
	}
	return incr.Val() <= int64(rl.limit)
}

// Window returns the counting window
func (rl *RedisLimiter) Window() time.Duration { return rl.window }
