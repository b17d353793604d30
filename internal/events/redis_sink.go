package events

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"AgentShield/internal/vault"
)

// RedisConfig 描述 Redis 事件出口。
type RedisConfig struct {
	// Channel 非空时通过 PUBLISH 广播。
	Channel string `yaml:"channel" json:"channel"`
	// Stream 非空时写入 Redis Stream，便于消费者回放。
	Stream       string `yaml:"stream" json:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len" json:"stream_max_len"`
}

// RedisSink 以 pipeline 方式把一批事件写入 Pub/Sub 与 Stream。
type RedisSink struct {
	client goredis.Cmdable
	cfg    RedisConfig
}

// NewRedisSink 创建 Redis 事件出口。
func NewRedisSink(client goredis.Cmdable, cfg RedisConfig) *RedisSink {
	if cfg.Channel == "" && cfg.Stream == "" {
		cfg.Channel = "agentshield:events"
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 10_000
	}
	return &RedisSink{client: client, cfg: cfg}
}

// Publish 实现 vault.EventSink。
func (s *RedisSink) Publish(ctx context.Context, events []vault.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, ev := range events {
		data, err := Encode(ev)
		if err != nil {
			return err
		}
		if s.cfg.Channel != "" {
			pipe.Publish(ctx, s.cfg.Channel, data)
		}
		if s.cfg.Stream != "" {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: s.cfg.Stream,
				MaxLen: s.cfg.StreamMaxLen,
				Approx: true,
				Values: map[string]any{
					"kind":  string(ev.Kind),
					"vault": ev.Vault.Hex(),
					"event": data,
				},
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}
