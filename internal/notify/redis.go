package notify

import (
	"context"
	"fmt"

	"plyr/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBackend carries change events over a Redis pub/sub channel.
type RedisBackend struct {
	rdb     *redis.Client
	channel string
	logger  logrus.FieldLogger
}

// NewRedisBackend connects to the Redis server at url ("redis://host:port/db").
func NewRedisBackend(ctx context.Context, url, channel string, logger logrus.FieldLogger) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBackend{rdb: rdb, channel: channel, logger: logger}, nil
}

// Publish announces ev to every instance subscribed to the channel.
func (b *RedisBackend) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Listen subscribes to the channel until ctx is done. go-redis re-establishes
// dropped subscriptions on its own, so Listen only returns on cancellation.
func (b *RedisBackend) Listen(ctx context.Context, handle func(models.ChangeEvent)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	b.logger.WithField("channel", b.channel).Info("Listening for queue changes on redis")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := Decode(msg.Payload)
			if err != nil {
				b.logger.WithError(err).Warn("Ignoring malformed change event")
				continue
			}
			handle(ev)
		}
	}
}

// Ping checks connectivity
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the client
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
