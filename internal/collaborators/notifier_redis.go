package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/cash-application/internal/activity"
)

// Stream names for outbound notifications.
const (
	StreamCompletions = "cashapp.completions"
	StreamCollections = "cashapp.collections"
)

// dedupeTTL is how long delivery idempotency keys are remembered.
const dedupeTTL = 24 * time.Hour

// RedisNotifier publishes completion and collection notices onto redis
// streams. An idempotency key already seen within the dedupe window is
// dropped silently, so workflow retries do not double-send.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisNotifier creates a notifier over an existing redis client.
func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger}
}

func (n *RedisNotifier) NotifyCompletion(ctx context.Context, idempotencyKey string, notice CompletionNotice) error {
	return n.publish(ctx, StreamCompletions, idempotencyKey, "completion", notice)
}

func (n *RedisNotifier) SendCollectionNotice(ctx context.Context, idempotencyKey string, notice CollectionNotice) (NoticeResult, error) {
	if err := n.publish(ctx, StreamCollections, idempotencyKey, "collection_notice", notice); err != nil {
		return NoticeResult{}, err
	}
	next := "await_payment"
	if notice.Escalation >= 2 {
		next = "escalate_to_collections_agency"
	}
	return NoticeResult{Sent: true, NextAction: next}, nil
}

func (n *RedisNotifier) publish(ctx context.Context, stream, idempotencyKey, kind string, body interface{}) error {
	fresh, err := n.client.SetNX(ctx, "cashapp:notify:"+idempotencyKey, 1, dedupeTTL).Result()
	if err != nil {
		return activity.Transient("notification dedupe check failed", err)
	}
	if !fresh {
		n.logger.Info("duplicate notification suppressed",
			zap.String("stream", stream),
			zap.String("idempotency_key", idempotencyKey))
		return nil
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return activity.NewError(activity.KindInvalidInput, "failed to encode notification", err)
	}

	if err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"kind":            kind,
			"idempotency_key": idempotencyKey,
			"body":            string(raw),
		},
	}).Err(); err != nil {
		// Undo the dedupe marker so a retry can deliver.
		n.client.Del(ctx, "cashapp:notify:"+idempotencyKey)
		return activity.Transient(fmt.Sprintf("failed to publish to %s", stream), err)
	}
	return nil
}
