/*
 * @module RabbitMQConnector
 * @description RabbitMQ连接器，开启发布确认后逐条发布
 * @architecture 适配器模式
 * @documentReference ai_docs/push_design.md
 * @stateFlow 连接 -> 声明交换机 -> 开启确认 -> 发布并等待ACK -> 关闭
 * @rules 收到NACK或确认超时视为发布失败
 * @dependencies github.com/rabbitmq/amqp091-go
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
)

func init() {
	Register("rabbitmq", func(config map[string]interface{}) (Publisher, error) {
		return NewRabbitMQConnector(RabbitMQConfig{
			URL:          cast.ToString(config["url"]),
			Exchange:     cast.ToString(config["exchange"]),
			ExchangeType: cast.ToString(config["exchange_type"]),
		})
	})
}

// RabbitMQConfig RabbitMQ连接配置
type RabbitMQConfig struct {
	URL            string
	Exchange       string
	ExchangeType   string
	ConfirmTimeout time.Duration
}

// RabbitMQConnector RabbitMQ连接器
type RabbitMQConnector struct {
	config  RabbitMQConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	mutex   sync.Mutex // amqp channel 不支持并发发布
}

// NewRabbitMQConnector 建立连接并开启发布确认
func NewRabbitMQConnector(config RabbitMQConfig) (*RabbitMQConnector, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq连接配置缺少url")
	}
	if config.ExchangeType == "" {
		config.ExchangeType = "topic"
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = 10 * time.Second
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("连接RabbitMQ失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("打开RabbitMQ通道失败: %w", err)
	}
	if config.Exchange != "" {
		if err := ch.ExchangeDeclare(config.Exchange, config.ExchangeType, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明交换机失败: %w", err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("开启发布确认失败: %w", err)
	}

	return &RabbitMQConnector{config: config, conn: conn, channel: ch}, nil
}

// Publish 逐条发布并等待确认，Topic 作为路由键
func (rc *RabbitMQConnector) Publish(ctx context.Context, messages []Message) error {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	for _, m := range messages {
		headers := amqp.Table{}
		for k, v := range m.Headers {
			headers[k] = v
		}
		deferred, err := rc.channel.PublishWithDeferredConfirmWithContext(ctx, rc.config.Exchange, m.Topic, false, false, amqp.Publishing{
			Headers:      headers,
			ContentType:  m.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    m.Key,
			Body:         m.Value,
		})
		if err != nil {
			return fmt.Errorf("发布RabbitMQ消息失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deferred.Done():
			if !deferred.Acked() {
				return fmt.Errorf("RabbitMQ返回NACK，消息未持久化: %s", m.Key)
			}
		case <-time.After(rc.config.ConfirmTimeout):
			return fmt.Errorf("等待RabbitMQ发布确认超时")
		}
	}
	return nil
}

// Ping 检查连接是否关闭
func (rc *RabbitMQConnector) Ping(ctx context.Context) error {
	if rc.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ连接已关闭")
	}
	return nil
}

// Close 关闭通道和连接
func (rc *RabbitMQConnector) Close() error {
	if rc.channel != nil {
		rc.channel.Close()
	}
	if rc.conn != nil {
		return rc.conn.Close()
	}
	return nil
}
