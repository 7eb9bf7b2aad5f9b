package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCommands — подмножество команд клиента, которое нужно лимитеру
// (узкий интерфейс, чтобы тесты могли подставить заглушку без сервера).
type redisCommands interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Redis — лимитер на общем Redis: счётчики видны всем инстансам сервиса.
// INCR + EXPIRE на первом попадании в окно (фиксированное окно, как и Memory).
type Redis struct {
	cli *redis.Client
	cmd redisCommands
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("ratelimit: redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return &Redis{cli: cli, cmd: cli}, nil
}

func (r *Redis) Close() error { return r.cli.Close() }

// Limited инкрементирует счётчик окна. Ошибка EXPIRE не глотается: без TTL
// ключ никогда не сбросится и заблокирует действие навсегда.
func (r *Redis) Limited(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	n, err := r.cmd.Incr(ctx, "rl:"+key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if n == 1 {
		if err := r.cmd.Expire(ctx, "rl:"+key, window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}
	return n > int64(limit), nil
}
