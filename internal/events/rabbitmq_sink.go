package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"AgentShield/internal/vault"
)

// RabbitMQConfig 描述 RabbitMQ 事件出口。
type RabbitMQConfig struct {
	URL      string `yaml:"url" json:"url"`
	Exchange string `yaml:"exchange" json:"exchange"`
	// RoutingPrefix 与事件类型拼接成路由键，例如 vault.fees_collected。
	RoutingPrefix string `yaml:"routing_prefix" json:"routing_prefix"`
	Durable       bool   `yaml:"durable" json:"durable"`
}

// RabbitMQSink 将事件发布到 topic 交换机。
type RabbitMQSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	prefix   string
}

// NewRabbitMQSink 建立连接并声明交换机。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentshield.events"
	}
	prefix := cfg.RoutingPrefix
	if prefix == "" {
		prefix = "vault."
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange, prefix: prefix}, nil
}

// RoutingKey 返回事件的路由键。
func (s *RabbitMQSink) RoutingKey(kind vault.EventKind) string {
	return s.prefix + string(kind)
}

// Publish 实现 vault.EventSink。amqp.Channel 不是并发安全的，发布时串行化。
func (s *RabbitMQSink) Publish(ctx context.Context, events []vault.Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 事件出口未初始化")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		data, err := Encode(ev)
		if err != nil {
			return err
		}
		err = s.ch.PublishWithContext(ctx, s.exchange, s.RoutingKey(ev.Kind), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Timestamp:    time.Unix(ev.Timestamp, 0),
			Type:         string(ev.Kind),
			Body:         data,
		})
		if err != nil {
			return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
		}
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
