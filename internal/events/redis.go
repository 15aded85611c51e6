package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/zemo/api/internal/model"
)

const DefaultRedisChannel = "events:jobs"

// RedisBus fans events out over Redis pub/sub.
type RedisBus struct {
	redis   *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBus(redisClient *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{redis: redisClient, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, b.channel, data).Err()
}

// Relay forwards every event received on the bus to dst until ctx ends.
func (b *RedisBus) Relay(ctx context.Context, dst Publisher) error {
	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("dropping malformed event", slog.String("error", err.Error()))
				continue
			}
			if err := dst.Publish(ctx, event); err != nil {
				b.logger.Debug("relay publish failed", slog.String("jobId", event.JobID), slog.String("error", err.Error()))
			}
		}
	}
}
