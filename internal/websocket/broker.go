package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

// FeedChannel is the Redis channel replicas exchange change messages on.
const FeedChannel = "ganadoscan:feed"

// Broker publishes change messages to feed clients.
type Broker interface {
	Publish(ctx context.Context, msg models.FeedMessage) error
	Close() error
}

// LocalBroker delivers directly to a single hub.
type LocalBroker struct {
	hub *Hub
}

// NewLocalBroker creates a broker for a single-replica deployment.
func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{hub: hub}
}

func (b *LocalBroker) Publish(_ context.Context, msg models.FeedMessage) error {
	b.hub.Broadcast(msg)
	return nil
}

func (b *LocalBroker) Close() error { return nil }

// RedisBroker relays messages through a Redis channel so every replica's
// hub sees every write, whichever replica accepted it.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub
	hub    *Hub
	log    *slog.Logger
	done   chan struct{}
}

// NewRedisBroker connects to redisURL, subscribes to FeedChannel, and
// forwards received messages to hub until Close.
func NewRedisBroker(ctx context.Context, redisURL string, hub *Hub, log *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	pubsub := client.Subscribe(ctx, FeedChannel)
	// Wait for the subscription to be confirmed before accepting writes.
	if _, err := pubsub.Receive(pingCtx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	b := &RedisBroker{
		client: client,
		pubsub: pubsub,
		hub:    hub,
		log:    log.With("component", "feed-relay"),
		done:   make(chan struct{}),
	}
	go b.relay()
	return b, nil
}

func (b *RedisBroker) relay() {
	defer close(b.done)
	for m := range b.pubsub.Channel() {
		var msg models.FeedMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.log.Warn("dropping malformed relay message", "error", err)
			continue
		}
		b.hub.Broadcast(msg)
	}
}

func (b *RedisBroker) Publish(ctx context.Context, msg models.FeedMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, FeedChannel, raw).Err()
}

// Close stops relaying and closes the Redis connection.
func (b *RedisBroker) Close() error {
	err := b.pubsub.Close()
	<-b.done
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
