// ABOUTME: Redis pub/sub relay so transitions on one instance wake waiters on every instance
// ABOUTME: Local subscribers are fed only from the Redis subscription to avoid double delivery

package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel transitions are relayed on.
const DefaultChannel = "mpc:session:transitions"

// RedisRelay publishes transitions through Redis and feeds received events
// into a local Broadcaster. Run must be running for local subscribers to see
// anything, including events this instance published.
type RedisRelay struct {
	client  *redis.Client
	local   *Broadcaster
	channel string
	logger  *slog.Logger
}

// NewRedisRelay creates a relay on DefaultChannel.
func NewRedisRelay(client *redis.Client, local *Broadcaster, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:  client,
		local:   local,
		channel: DefaultChannel,
		logger:  logger.With("component", "watch.redis"),
	}
}

// Publish sends the event to every instance. When Redis is unreachable the
// event is still delivered locally and the error is returned.
func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling transition event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("relay publish failed, delivering locally",
			"key", event.Key(),
			"error", err)
		r.local.deliver(event)
		return fmt.Errorf("publishing transition event: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (r *RedisRelay) Subscribe(ctx context.Context, key string) (<-chan Event, string) {
	return r.local.Subscribe(ctx, key)
}

// Unsubscribe removes a local subscriber.
func (r *RedisRelay) Unsubscribe(key, subID string) {
	r.local.Unsubscribe(key, subID)
}

// Run consumes the Redis channel until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay channel closed")
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("dropping malformed transition event", "error", err)
				continue
			}
			r.local.deliver(event)
		}
	}
}

// Close closes the local broadcaster. The Redis client is owned by the caller.
func (r *RedisRelay) Close() error {
	return r.local.Close()
}
