package sink

import (
	"context"

	"fabric/internal/bus"
	"fabric/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
)

// RedisPublisher is the part of a redis client the publisher needs.
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes every event as JSON on one channel.
type RedisSink struct {
	client  RedisPublisher
	channel string
}

func NewRedisSink(client RedisPublisher, channel string) (*RedisSink, error) {
	if client == nil {
		return nil, exception.ErrSinkNilClient
	}
	if channel == "" {
		return nil, exception.ErrSinkEmptyChannel
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, e bus.Event) error {
	payload, err := sonic.ConfigFastest.Marshal(NewEventView(e))
	if err != nil {
		return errors.Wrap(err, "marshal event").With("seq", e.Seq)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "publish event").With("channel", s.channel)
	}
	return nil
}
