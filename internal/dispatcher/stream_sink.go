package dispatcher

import (
	"context"
	"fmt"

	rediscommon "wisefido-alert/common/redis"
	"wisefido-alert/internal/models"

	"github.com/go-redis/redis/v8"
)

// StreamSink 将事件写入 Redis Stream（下游服务使用消费组读取）
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink maxLen<=0 时不裁剪
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis-stream:" + s.stream }

func (s *StreamSink) Deliver(ctx context.Context, ev models.AlertEvent) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, ev, s.maxLen); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.DedupKey(), err)
	}
	return nil
}
