// Package redis 提供基于 Redis 的分布式金库锁与签名 nonce 去重，
// 多个 agentshieldd 实例共享同一 Redis 时依靠它们保证同一金库的事务串行。
package redis
