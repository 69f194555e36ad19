package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const consumerGroup = "cash-application-workers"

// RedisBus carries messages over redis streams with consumer-group
// delivery: unacknowledged messages stay in the pending entries list and
// are redelivered after a worker crash.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   []*redisSubscription
	ctx    context.Context
	cancel context.CancelFunc
}

type redisSubscription struct {
	id      string
	topic   string
	handler Handler
	bus     *RedisBus
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRedisBus connects the bus to redis and verifies the connection.
func NewRedisBus(client *redis.Client, logger *zap.Logger) (*RedisBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBus{client: client, logger: logger, ctx: ctx, cancel: cancel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", topic, err)
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"payload": data},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		bus:     b,
		ctx:     subCtx,
		cancel:  cancel,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.consume(sub)
	return sub, nil
}

func (b *RedisBus) consume(sub *redisSubscription) {
	consumerName := "worker-" + sub.id

	// Idempotent; BUSYGROUP just means the group already exists.
	_ = b.client.XGroupCreateMkStream(sub.ctx, sub.topic, consumerGroup, "0").Err()

	b.logger.Info("stream consumer started",
		zap.String("topic", sub.topic),
		zap.String("group", consumerGroup))

	for {
		select {
		case <-sub.ctx.Done():
			return
		default:
			streams, err := b.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumerName,
				Streams:  []string{sub.topic, ">"},
				Count:    10,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if err != redis.Nil && sub.ctx.Err() == nil {
					b.logger.Error("stream read failed", zap.String("topic", sub.topic), zap.Error(err))
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					if err := b.dispatch(sub, msg); err != nil {
						// No ack: the message stays pending and is
						// redelivered once the consumer recovers.
						b.logger.Error("message handling failed",
							zap.String("topic", sub.topic),
							zap.String("msg_id", msg.ID),
							zap.Error(err))
						continue
					}
					b.client.XAck(sub.ctx, sub.topic, consumerGroup, msg.ID)
				}
			}
		}
	}
}

func (b *RedisBus) dispatch(sub *redisSubscription, msg redis.XMessage) error {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return fmt.Errorf("message %s has no payload field", msg.ID)
	}
	return sub.handler(sub.ctx, json.RawMessage(payload))
}

func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.cancel()
	}
	b.mu.Unlock()
	return b.client.Close()
}

func (s *redisSubscription) ID() string    { return s.id }
func (s *redisSubscription) Topic() string { return s.topic }
func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
