package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/pkg/schema"
)

// RedisHub is a Hub over Redis pub/sub so that every server sharing a Redis
// state backend sees the progress of every run. Updates are published on
// <namespace>:PROGRESS:<executionID>.
type RedisHub struct {
	client    rd.UniversalClient
	namespace string
	logger    *zap.Logger
}

// NewRedisHub creates a RedisHub.
func NewRedisHub(client rd.UniversalClient, namespace string, logger *zap.Logger) *RedisHub {
	if namespace == "" {
		namespace = "houndflow"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHub{client: client, namespace: namespace, logger: logger}
}

func (h *RedisHub) channel(executionID string) string {
	return fmt.Sprintf("%s:PROGRESS:%s", h.namespace, executionID)
}

// PublishProgress publishes p as JSON.
func (h *RedisHub) PublishProgress(ctx context.Context, p schema.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel(p.ExecutionID), data).Err(); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// Subscribe listens on one execution's channel, or on all of them when the
// filter names no execution.
func (h *RedisHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Progress, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var ps *rd.PubSub
	if filter.ExecutionID != "" {
		ps = h.client.Subscribe(ctx, h.channel(filter.ExecutionID))
	} else {
		ps = h.client.PSubscribe(ctx, h.channel("*"))
	}
	// Wait for the subscription to be confirmed so no update published
	// after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe progress: %w", err)
	}

	out := make(chan schema.Progress, defaultChannelBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p schema.Progress
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					h.logger.Warn("discarding malformed progress message",
						zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if filter.match(p) {
					deliver(out, p)
				}
			}
		}
	}()
	return out, cancel, nil
}
