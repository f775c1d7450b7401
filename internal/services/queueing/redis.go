package queueing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the server and the key namespace of a Redis-backed queue.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// Redis stores each topic as a list under "<prefix>queue:<topic>".
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis queue: addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis queue: ping %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

func (q *Redis) key(topic string) string { return q.prefix + "queue:" + topic }

func (q *Redis) Push(ctx context.Context, topic string, payload []byte) error {
	return q.client.RPush(ctx, q.key(topic), payload).Err()
}

// Pop blocks server-side with BLPOP; Redis rounds wait up to whole seconds.
func (q *Redis) Pop(ctx context.Context, topic string, wait time.Duration) ([]byte, error) {
	if wait <= 0 {
		b, err := q.client.LPop(ctx, q.key(topic)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return b, err
	}
	res, err := q.client.BLPop(ctx, wait, q.key(topic)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis queue: unexpected BLPOP reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

func (q *Redis) Len(ctx context.Context, topic string) (int, error) {
	n, err := q.client.LLen(ctx, q.key(topic)).Result()
	return int(n), err
}

func (q *Redis) Close() error { return q.client.Close() }
