package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultListKey is the Redis list critical-stock tasks are pushed onto
const DefaultListKey = "stockbridge:alerts:critical"

// LogDispatcher writes tasks to the structured log. Used when no queue is configured.
type LogDispatcher struct{}

// Dispatch implements the processor's dispatcher contract
func (LogDispatcher) Dispatch(ctx context.Context, tasks []Task) error {
	for _, t := range tasks {
		log.Ctx(ctx).Info().
			Str("tenantId", t.TenantID).
			Str("productId", t.ProductID).
			Int("quantity", t.Quantity).
			Int("critical", t.Limits.Critical).
			Str("previous", string(t.Previous)).
			Msg("product became critical")
	}
	return nil
}

type listPusher interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// RedisDispatcher pushes tasks as JSON onto a Redis list consumed by the
// notification worker
type RedisDispatcher struct {
	client listPusher
	key    string
}

// NewRedisDispatcher creates a dispatcher on an existing client
func NewRedisDispatcher(client redis.Cmdable, key string) *RedisDispatcher {
	if key == "" {
		key = DefaultListKey
	}
	return &RedisDispatcher{client: client, key: key}
}

// Dispatch implements the processor's dispatcher contract
func (d *RedisDispatcher) Dispatch(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	values := make([]any, 0, len(tasks))
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode alert task: %w", err)
		}
		values = append(values, b)
	}
	if err := d.client.RPush(ctx, d.key, values...).Err(); err != nil {
		return fmt.Errorf("push alert tasks: %w", err)
	}
	log.Ctx(ctx).Debug().Int("count", len(tasks)).Str("key", d.key).Msg("alert tasks queued")
	return nil
}
