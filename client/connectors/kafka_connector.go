/*
 * @module KafkaConnector
 * @description Kafka连接器，封装Kafka生产者，按topic复用writer
 * @architecture 适配器模式 - 封装第三方Kafka客户端，提供统一的接口
 * @documentReference ai_docs/push_design.md
 * @stateFlow 连接建立 -> 消息发送 -> 连接断开
 * @rules 默认等待所有副本确认
 * @dependencies github.com/segmentio/kafka-go
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cast"
)

func init() {
	Register("kafka", func(config map[string]interface{}) (Publisher, error) {
		return NewKafkaConnector(KafkaConfig{
			Brokers:      stringSlice(config["brokers"]),
			RequiredAcks: cast.ToInt(config["required_acks"]),
			BatchTimeout: time.Duration(cast.ToInt(config["batch_timeout_ms"])) * time.Millisecond,
		})
	})
}

// KafkaConfig Kafka连接配置
type KafkaConfig struct {
	Brokers      []string
	RequiredAcks int // 0 表示使用 RequireAll
	BatchTimeout time.Duration
}

// KafkaConnector Kafka连接器结构体
type KafkaConnector struct {
	config  KafkaConfig
	writers map[string]*kafka.Writer // 按topic分组的生产者
	mutex   sync.Mutex
}

// NewKafkaConnector 创建新的Kafka连接器
func NewKafkaConnector(config KafkaConfig) (*KafkaConnector, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka连接配置缺少brokers")
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}
	return &KafkaConnector{
		config:  config,
		writers: make(map[string]*kafka.Writer),
	}, nil
}

func (kc *KafkaConnector) writer(topic string) *kafka.Writer {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()

	if w, ok := kc.writers[topic]; ok {
		return w
	}
	acks := kafka.RequireAll
	if kc.config.RequiredAcks != 0 {
		acks = kafka.RequiredAcks(kc.config.RequiredAcks)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(kc.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchTimeout: kc.config.BatchTimeout,
	}
	kc.writers[topic] = w
	return w
}

// Publish 发送消息，同一topic的消息一次写入
func (kc *KafkaConnector) Publish(ctx context.Context, messages []Message) error {
	byTopic := make(map[string][]kafka.Message)
	var order []string
	for _, m := range messages {
		if _, ok := byTopic[m.Topic]; !ok {
			order = append(order, m.Topic)
		}
		msg := kafka.Message{Key: []byte(m.Key), Value: m.Value, Time: time.Now()}
		for k, v := range m.Headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		if m.ContentType != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: "content-type", Value: []byte(m.ContentType)})
		}
		byTopic[m.Topic] = append(byTopic[m.Topic], msg)
	}

	for _, topic := range order {
		if err := kc.writer(topic).WriteMessages(ctx, byTopic[topic]...); err != nil {
			return fmt.Errorf("发送消息到topic %s 失败: %w", topic, err)
		}
	}
	return nil
}

// Ping 连接第一个broker验证可达
func (kc *KafkaConnector) Ping(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", kc.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("连接kafka失败: %w", err)
	}
	return conn.Close()
}

// Close 关闭所有生产者
func (kc *KafkaConnector) Close() error {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()

	for topic, w := range kc.writers {
		if err := w.Close(); err != nil {
			slog.Warn("关闭kafka生产者失败", "topic", topic, "error", err)
		}
	}
	kc.writers = make(map[string]*kafka.Writer)
	return nil
}
