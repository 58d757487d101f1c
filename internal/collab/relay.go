package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Relay carries opaque room messages between clients. Delivery is best-effort
// fan-out; convergence never depends on ordering or exactly-once delivery.
type Relay interface {
	Publish(ctx context.Context, room string, payload []byte) error
	Subscribe(ctx context.Context, room string) (Subscription, error)
}

// Subscription is one live feed of room messages. Messages() closes when the
// feed dies; the channel reconnect loop handles resubscription.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// RedisRelay implements Relay over Redis pub/sub.
type RedisRelay struct {
	client *redis.Client
	prefix string
}

// NewRedisRelay creates a relay from a Redis URL.
func NewRedisRelay(redisURL string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRelay{client: client, prefix: "room:"}, nil
}

// NewRedisRelayWithClient creates a relay from an existing Redis client.
func NewRedisRelayWithClient(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client, prefix: "room:"}
}

func (r *RedisRelay) key(room string) string {
	return r.prefix + room
}

func (r *RedisRelay) Publish(ctx context.Context, room string, payload []byte) error {
	if err := r.client.Publish(ctx, r.key(room), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, room string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.key(room))
	// Force the subscription onto the wire before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", room, err)
	}

	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// pump forwards pubsub traffic until the feed or the subscription dies. The
// send selects on done so a subscriber that stopped draining cannot park this
// goroutine forever on a full buffer.
func (s *redisSubscription) pump() {
	defer close(s.messages)
	for msg := range s.pubsub.Channel() {
		select {
		case s.messages <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
