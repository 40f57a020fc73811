package conn

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

// NewRedis parses a redis:// URL, connects and pings.
func NewRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis").With("addr", opts.Addr)
	}
	return client, nil
}
