/*
 * @module client/connectors/publisher
 * @description 消息中间件发布器抽象与工厂注册表，供队列类推送目标使用
 * @architecture 适配器模式 - 封装第三方消息客户端，提供统一的发布接口
 * @documentReference ai_docs/push_design.md
 * @stateFlow 按 broker 选择工厂 -> 建立连接 -> 发布/探活 -> 关闭
 * @rules 发布必须等到中间件确认（支持确认的中间件）后才返回成功
 * @dependencies github.com/spf13/cast
 * @refs service/delivery/queue_deliverer.go
 */
package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cast"
)

// Message 待发布的消息
type Message struct {
	Topic       string
	Key         string
	Value       []byte
	ContentType string
	Headers     map[string]string
}

// Publisher 消息发布器
type Publisher interface {
	// Publish 按顺序发布一批消息
	Publish(ctx context.Context, messages []Message) error
	// Ping 轻量探活
	Ping(ctx context.Context) error
	// Close 释放连接
	Close() error
}

// Factory 根据连接配置创建发布器
type Factory func(config map[string]interface{}) (Publisher, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register 注册发布器工厂
func Register(broker string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[broker] = factory
}

// NewPublisher 创建指定中间件的发布器
func NewPublisher(broker string, config map[string]interface{}) (Publisher, error) {
	factoriesMu.RLock()
	factory, ok := factories[broker]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("不支持的消息中间件: %s", broker)
	}
	return factory(config)
}

// Brokers 已注册的中间件列表
func Brokers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringSlice(v interface{}) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	default:
		return cast.ToStringSlice(val)
	}
}
