package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"AgentShield/pkg/logger"
)

// releaseScript 只在锁仍归当前持有者时删除，避免误删他人续上的锁。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript 只在锁仍归当前持有者时续期。
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
        return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker 使用 SET NX PX 实现跨进程的金库互斥锁。持有期间后台按 TTL 的三分之一续期，
// 事务执行时间超过 TTL 也不会让其他实例进入。
type Locker struct {
	client   goredis.Cmdable
	prefix   string
	ttl      time.Duration
	interval time.Duration
}

// NewLocker 创建分布式锁。
func NewLocker(client goredis.Cmdable, cfg Config) *Locker {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	return &Locker{client: client, prefix: prefixOf(cfg) + "lock:", ttl: ttl, interval: interval}
}

// Lock 阻塞直到获得锁或上下文结束，实现 vault.Locker。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("Redis 锁未初始化")
	}
	name := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("获取 Redis 锁失败: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(name, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// 释放不受调用方上下文取消的影响。
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{name}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
				logger.L().Warn("释放 Redis 锁失败", slog.String("key", name), slog.Any("error", err))
			}
		})
	}, nil
}

// keepAlive 周期续期直到 stop 关闭。锁已被他人持有时记录错误并退出。
func (l *Locker) keepAlive(name, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		renewed, err := extendScript.Run(ctx, l.client, []string{name}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			logger.L().Warn("Redis 锁续期失败", slog.String("key", name), slog.Any("error", err))
		case renewed == 0:
			logger.L().Error("Redis 锁已丢失", slog.String("key", name))
			return
		}
	}
}
