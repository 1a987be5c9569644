package dialer

import (
	"context"
	"fmt"

	"github.com/PetroPower/lifecycle/pool"
	"github.com/redis/go-redis/v9"
)

// Redis hands out go-redis clients backed by exactly one connection each, so pool.Pool
// decides how many connections exist.
type Redis struct {
	opts redis.Options
}

var (
	_ pool.Manager[*redis.Client]   = (*Redis)(nil)
	_ pool.Destroyer[*redis.Client] = (*Redis)(nil)
)

// NewRedis copies opts and pins the client to a single connection.
func NewRedis(opts *redis.Options) *Redis {
	o := *opts
	o.PoolSize = 1
	o.MinIdleConns = 0
	o.MaxIdleConns = 1
	return &Redis{opts: o}
}

// NewRedisURL parses a redis:// URL.
func NewRedisURL(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(opts), nil
}

func (r *Redis) Create(ctx context.Context) (*redis.Client, error) {
	opts := r.opts
	client := redis.NewClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", r.opts.Addr, err)
	}
	return client, nil
}

func (r *Redis) Validate(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

func (r *Redis) Destroy(client *redis.Client) error {
	return client.Close()
}
