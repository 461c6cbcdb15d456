/*
 * @module RedisConnector
 * @description Redis连接器，支持列表、发布订阅和Stream三种投递模式
 * @architecture 适配器模式
 * @documentReference ai_docs/push_design.md
 * @stateFlow 连接 -> LPUSH/PUBLISH/XADD -> 关闭
 * @rules 列表和Stream模式使用事务管道一次提交
 * @dependencies github.com/go-redis/redis/v8
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cast"
)

// Redis 投递模式
const (
	RedisModeList   = "list"
	RedisModePubSub = "pubsub"
	RedisModeStream = "stream"
)

func init() {
	Register("redis", func(config map[string]interface{}) (Publisher, error) {
		return NewRedisConnector(RedisConfig{
			Addr:     cast.ToString(config["addr"]),
			Password: cast.ToString(config["password"]),
			DB:       cast.ToInt(config["db"]),
			Mode:     cast.ToString(config["mode"]),
		})
	})
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Mode     string
}

// RedisConnector Redis连接器
type RedisConnector struct {
	config RedisConfig
	client *redis.Client
}

// NewRedisConnector 创建Redis连接器
func NewRedisConnector(config RedisConfig) (*RedisConnector, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis连接配置缺少addr")
	}
	switch config.Mode {
	case "":
		config.Mode = RedisModeList
	case RedisModeList, RedisModePubSub, RedisModeStream:
	default:
		return nil, fmt.Errorf("不支持的redis投递模式: %s", config.Mode)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisConnector{config: config, client: client}, nil
}

// Publish 按模式投递消息，Topic 作为键或频道
func (rc *RedisConnector) Publish(ctx context.Context, messages []Message) error {
	if rc.config.Mode == RedisModePubSub {
		for _, m := range messages {
			if err := rc.client.Publish(ctx, m.Topic, m.Value).Err(); err != nil {
				return fmt.Errorf("发布到频道 %s 失败: %w", m.Topic, err)
			}
		}
		return nil
	}

	_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range messages {
			if rc.config.Mode == RedisModeStream {
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: m.Topic,
					Values: map[string]interface{}{"key": m.Key, "value": m.Value},
				})
				continue
			}
			pipe.LPush(ctx, m.Topic, m.Value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入redis失败: %w", err)
	}
	return nil
}

// Ping 探活
func (rc *RedisConnector) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (rc *RedisConnector) Close() error {
	return rc.client.Close()
}
