/*
 * @module service/delivery/queue_deliverer
 * @description 消息队列目标投递器，经由 client/connectors 发布到 kafka/mqtt/rabbitmq/nats/redis
 * @architecture 适配器模式
 * @documentReference ai_docs/push_design.md
 * @stateFlow 每条报文一条消息 -> 主题模板替换 -> 按序发布 -> 等待中间件确认
 * @rules 消息键为 record_id，保证同一记录落在同一分区
 * @dependencies datapush-service/client/connectors
 * @refs client/connectors/publisher.go
 */

package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"datapush-service/client/connectors"
	"datapush-service/service/meta"
	"datapush-service/service/models"
)

const defaultTopicPattern = "datapush.{table}"

type queueHandle struct {
	publisher connectors.Publisher
}

func (h *queueHandle) Close() error {
	return h.publisher.Close()
}

// QueueDeliverer 消息队列投递器
type QueueDeliverer struct {
	newPublisher func(broker string, config map[string]interface{}) (connectors.Publisher, error)
}

// NewQueueDeliverer 创建队列投递器
func NewQueueDeliverer() *QueueDeliverer {
	return &QueueDeliverer{newPublisher: connectors.NewPublisher}
}

func (d *QueueDeliverer) TargetType() string { return meta.TargetTypeQueue }

func (d *QueueDeliverer) Open(ctx context.Context, target *models.PushTarget) (Handle, error) {
	broker := strings.ToLower(target.ConnString("broker"))
	if broker == "" {
		return nil, errors.New("队列目标缺少broker配置")
	}
	pub, err := d.newPublisher(broker, target.ConnectionConfig)
	if err != nil {
		return nil, fmt.Errorf("创建%s发布器失败: %w", broker, err)
	}
	return &queueHandle{publisher: pub}, nil
}

func (d *QueueDeliverer) Ping(ctx context.Context, h Handle, target *models.PushTarget) error {
	qh, err := asQueueHandle(h)
	if err != nil {
		return err
	}
	return qh.publisher.Ping(ctx)
}

// Deliver 每条报文发布为一条消息
func (d *QueueDeliverer) Deliver(ctx context.Context, h Handle, req *Request) (*Receipt, error) {
	qh, err := asQueueHandle(h)
	if err != nil {
		return nil, err
	}
	pattern := req.Target.ConnString("topic")
	if pattern == "" {
		pattern = defaultTopicPattern
	}

	messages := make([]connectors.Message, 0, len(req.Payloads))
	var bytes int64
	for _, p := range req.Payloads {
		body := p.Body
		if len(p.Header) > 0 {
			body = append(append([]byte{}, p.Header...), p.Body...)
		}
		messages = append(messages, connectors.Message{
			Topic:       strings.ReplaceAll(pattern, "{table}", p.TableName),
			Key:         p.RecordID,
			Value:       body,
			ContentType: p.ContentType,
			Headers: map[string]string{
				"push_id":   req.PushID,
				"operation": p.Operation,
				"table":     p.TableName,
			},
		})
		bytes += int64(len(body))
	}

	if err := qh.publisher.Publish(ctx, messages); err != nil {
		return nil, fmt.Errorf("发布消息失败: %w", err)
	}
	return &Receipt{RecordsPushed: len(messages), BytesTransferred: bytes}, nil
}

func asQueueHandle(h Handle) (*queueHandle, error) {
	qh, ok := h.(*queueHandle)
	if !ok || qh == nil {
		return nil, errors.New("无效的队列连接句柄")
	}
	return qh, nil
}
