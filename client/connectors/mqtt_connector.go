/*
 * @module MQTTConnector
 * @description MQTT连接器，提供MQTT客户端的发布封装
 * @architecture 适配器模式 - 封装第三方MQTT客户端，提供统一的接口
 * @documentReference ai_docs/push_design.md
 * @stateFlow 连接建立 -> 主题发布 -> 连接断开
 * @rules 支持自动重连、QoS控制
 * @dependencies github.com/eclipse/paho.mqtt.golang
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

func init() {
	Register("mqtt", func(config map[string]interface{}) (Publisher, error) {
		return NewMQTTConnector(MQTTConfig{
			Broker:   cast.ToString(config["broker_url"]),
			ClientID: cast.ToString(config["client_id"]),
			Username: cast.ToString(config["username"]),
			Password: cast.ToString(config["password"]),
			QoS:      byte(cast.ToInt(config["qos"])),
			Retained: cast.ToBool(config["retained"]),
		})
	})
}

// MQTTConfig MQTT连接配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retained bool
	Timeout  time.Duration
}

// MQTTConnector MQTT连接器结构体
type MQTTConnector struct {
	config MQTTConfig
	client mqtt.Client
}

// NewMQTTConnector 创建并连接MQTT客户端
func NewMQTTConnector(config MQTTConfig) (*MQTTConnector, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("mqtt连接配置缺少broker_url")
	}
	if config.ClientID == "" {
		config.ClientID = "datapush-" + uuid.New().String()[:8]
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(config.Timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT连接丢失", "broker", config.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.Timeout) {
		return nil, fmt.Errorf("连接MQTT超时: %s", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("连接MQTT失败: %w", err)
	}

	return &MQTTConnector{config: config, client: client}, nil
}

// Publish 发布消息并等待确认
func (mc *MQTTConnector) Publish(ctx context.Context, messages []Message) error {
	for _, m := range messages {
		token := mc.client.Publish(m.Topic, mc.config.QoS, mc.config.Retained, m.Value)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-token.Done():
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("发布MQTT消息失败 topic=%s: %w", m.Topic, err)
		}
	}
	return nil
}

// Ping 检查连接状态
func (mc *MQTTConnector) Ping(ctx context.Context) error {
	if !mc.client.IsConnectionOpen() {
		return fmt.Errorf("MQTT连接未建立")
	}
	return nil
}

// Close 断开连接
func (mc *MQTTConnector) Close() error {
	mc.client.Disconnect(250)
	return nil
}
