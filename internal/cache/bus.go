package cache

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/logging"
)

// Invalidation names one key or one prefix to drop.
type Invalidation struct {
	Key    string `json:"key,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Origin string `json:"origin"`
}

type Subscription interface {
	Close() error
}

// Bus carries invalidations between processes sharing one store.
type Bus interface {
	Publish(ctx context.Context, msg Invalidation) error
	Subscribe(ctx context.Context, handle func(Invalidation)) (Subscription, error)
}

type NoopBus struct{}

func (NoopBus) Publish(context.Context, Invalidation) error {
	return nil
}

func (NoopBus) Subscribe(context.Context, func(Invalidation)) (Subscription, error) {
	return noopSubscription{}, nil
}

type noopSubscription struct{}

func (noopSubscription) Close() error {
	return nil
}

const DefaultChannel = "restocost:cache:invalidate"

type RedisBus struct {
	client  *redis.Client
	channel string
	log     *logrus.Entry
}

func NewRedisBus(client *redis.Client, channel string, logger logrus.FieldLogger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, log: logging.Component(logger, "cache-bus")}
}

func (b *RedisBus) Publish(ctx context.Context, msg Invalidation) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(Invalidation)) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	go func() {
		for m := range pubsub.Channel() {
			var msg Invalidation
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.WithError(err).Warn("dropping malformed invalidation")
				continue
			}
			handle(msg)
		}
	}()
	return pubsub, nil
}
