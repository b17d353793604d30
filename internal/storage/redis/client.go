package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string        `yaml:"address" json:"address"`
	Password  string        `yaml:"password" json:"password"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	LockTTL   time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	// RetryInterval 为抢锁失败后的重试间隔。
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
}

const defaultPrefix = "agentshield:"

// NewClient 创建客户端并确认连通。
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

func prefixOf(cfg Config) string {
	if cfg.KeyPrefix == "" {
		return defaultPrefix
	}
	return cfg.KeyPrefix
}
