/*
 * @module NATSConnector
 * @description NATS连接器，支持核心NATS和JetStream两种发布方式
 * @architecture 适配器模式
 * @documentReference ai_docs/push_design.md
 * @stateFlow 连接 -> 发布（JetStream等待PubAck）-> 关闭
 * @rules JetStream模式下按主题自动创建流
 * @dependencies github.com/nats-io/nats.go
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cast"
)

func init() {
	Register("nats", func(config map[string]interface{}) (Publisher, error) {
		return NewNATSConnector(NATSConfig{
			URL:       cast.ToString(config["url"]),
			JetStream: cast.ToBool(config["jetstream"]),
			Token:     cast.ToString(config["token"]),
		})
	})
}

// NATSConfig NATS连接配置
type NATSConfig struct {
	URL       string
	JetStream bool
	Token     string
}

// NATSConnector NATS连接器
type NATSConnector struct {
	config NATSConfig
	nc     *nats.Conn
	js     jetstream.JetStream
}

// NewNATSConnector 建立NATS连接
func NewNATSConnector(config NATSConfig) (*NATSConnector, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats连接配置缺少url")
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}
	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败: %w", err)
	}

	connector := &NATSConnector{config: config, nc: nc}
	if config.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("创建JetStream上下文失败: %w", err)
		}
		connector.js = js
	}
	return connector, nil
}

// Publish 发布消息；核心模式下以 Flush 确认消息已写出
func (n *NATSConnector) Publish(ctx context.Context, messages []Message) error {
	ensured := make(map[string]bool)
	for _, m := range messages {
		msg := &nats.Msg{Subject: m.Topic, Data: m.Value, Header: nats.Header{}}
		msg.Header.Set("key", m.Key)
		if m.ContentType != "" {
			msg.Header.Set("Content-Type", m.ContentType)
		}
		for k, v := range m.Headers {
			msg.Header.Set(k, v)
		}

		if n.js != nil {
			if !ensured[m.Topic] {
				if _, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
					Name:     streamName(m.Topic),
					Subjects: []string{m.Topic},
					Storage:  jetstream.FileStorage,
				}); err != nil {
					return fmt.Errorf("创建流 %s 失败: %w", m.Topic, err)
				}
				ensured[m.Topic] = true
			}
			if _, err := n.js.PublishMsg(ctx, msg); err != nil {
				return fmt.Errorf("发布到 %s 失败: %w", m.Topic, err)
			}
			continue
		}
		if err := n.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("发布到 %s 失败: %w", m.Topic, err)
		}
	}
	if n.js == nil {
		return n.nc.FlushWithContext(ctx)
	}
	return nil
}

// Ping 检查连接状态
func (n *NATSConnector) Ping(ctx context.Context) error {
	if !n.nc.IsConnected() {
		return fmt.Errorf("NATS连接未建立: %s", n.nc.Status())
	}
	return n.nc.FlushWithContext(ctx)
}

// Close 关闭连接
func (n *NATSConnector) Close() error {
	n.nc.Close()
	return nil
}

// streamName JetStream 流名称不能包含 "." 等字符
func streamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "ALL", ">", "REST")
	return strings.ToUpper(r.Replace(subject))
}
