package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NonceStore 记录已使用的签名 nonce，在多实例间共享。
type NonceStore struct {
	client goredis.Cmdable
	prefix string
}

// NewNonceStore 创建 nonce 去重存储。
func NewNonceStore(client goredis.Cmdable, cfg Config) *NonceStore {
	return &NonceStore{client: client, prefix: prefixOf(cfg) + "nonce:"}
}

// Claim 首次出现返回 true，已存在返回 false。
func (s *NonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("记录 nonce 失败: %w", err)
	}
	return ok, nil
}
