package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "inheritsync:restore"

// Broadcaster shares restore messages with other server instances.
type Broadcaster interface {
	Publish(ctx context.Context, m Restore) error
}

// Redis broadcasts restore messages over a Redis pub/sub channel.
type Redis struct {
	client   *redis.Client
	channel  string
	instance string
}

var _ Broadcaster = (*Redis)(nil)

func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, instance: uuid.NewString()}
}

func (r *Redis) Publish(ctx context.Context, m Restore) error {
	m.Type = TypeRestore
	m.Origin = r.instance
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode restore: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish restore: %w", err)
	}
	return nil
}

// Subscribe applies every restore published by other instances until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, apply func(context.Context, Restore) error) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	slog.Info("subscribed to restore broadcasts", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m, err := Decode([]byte(msg.Payload))
			if err != nil {
				slog.Warn("dropping restore broadcast", "err", err)
				continue
			}
			if m.Origin == r.instance {
				continue
			}
			if err := apply(ctx, m); err != nil {
				slog.Error("failed to apply restore broadcast", "field", m.Field(), "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
