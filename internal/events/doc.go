// Package events 负责把已提交事务产生的金库事件投递到外部：
// 进程内订阅、审计日志、Redis Pub/Sub 与 Stream，以及 RabbitMQ topic 交换机。
package events
