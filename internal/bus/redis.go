package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const relaySubscriberID = "redis-relay"

// RedisRelay mirrors every bus event onto a Redis pub/sub channel so other
// processes can observe session status.
type RedisRelay struct {
	client  *redis.Client
	channel string
	queue   chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisRelay connects to the Redis server at url (redis://...).
func NewRedisRelay(ctx context.Context, url, channel string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if channel == "" {
		channel = "pairgate:events"
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		queue:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}, nil
}

// Attach subscribes the relay to b and starts the publish loop.
func (r *RedisRelay) Attach(b *Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.loop(ctx)

	b.Subscribe(relaySubscriberID, func(event Event) {
		data, err := json.Marshal(event)
		if err != nil {
			slog.Warn("redis relay: marshal event", "event", event.Name, "error", err)
			return
		}
		select {
		case r.queue <- data:
		default:
			slog.Warn("redis relay: queue full, dropping event", "event", event.Name)
		}
	})
	slog.Info("redis event relay attached", "channel", r.channel)
}

// Close detaches from b, stops the loop and closes the client.
func (r *RedisRelay) Close(b *Bus) error {
	b.Unsubscribe(relaySubscriberID)
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r.client.Close()
}

func (r *RedisRelay) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.queue:
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := r.client.Publish(pubCtx, r.channel, data).Err(); err != nil {
				slog.Warn("redis relay: publish failed", "channel", r.channel, "error", err)
			}
			cancel()
		}
	}
}
