/*
 * @module service/delivery/deliverer
 * @description 投递能力抽象：每种目标类型一个投递器，按类型标签注册
 * @architecture 注册中心模式 - 按 target_type 选择投递器
 * @documentReference ai_docs/push_design.md
 * @stateFlow 打开连接句柄 -> 投递/探活/回读/回滚应用 -> 释放句柄
 * @rules
 *   - 投递器只接收已解密的连接配置，不落盘、不记录敏感字段
 *   - 单次投递要么整体成功要么返回错误，部分成功通过 Receipt.RecordsFailed 反映
 * @dependencies datapush-service/service/format_convert
 * @refs service/push_target/registry.go, service/push_router/executor.go
 */

package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"datapush-service/service/format_convert"
	"datapush-service/service/models"
)

var (
	// ErrUnsupportedTargetType 未注册的目标类型
	ErrUnsupportedTargetType = errors.New("不支持的推送目标类型")
	// ErrCapabilityNotSupported 目标不支持该能力（回读/回滚应用）
	ErrCapabilityNotSupported = errors.New("推送目标不支持该操作")
)

// Receipt 单次投递回执
type Receipt struct {
	RecordsPushed    int    `json:"records_pushed"`
	RecordsFailed    int    `json:"records_failed"`
	BytesTransferred int64  `json:"bytes_transferred"`
	Checksum         string `json:"checksum,omitempty"` // 目标端回报的校验和
	Location         string `json:"location,omitempty"` // 文件类目标的写入位置
}

// Request 单次投递请求
type Request struct {
	PushID   string
	Target   *models.PushTarget // 连接配置已解密
	Changes  []models.ChangeRecord
	Payloads []format_convert.Payload
	Body     []byte // 合并后的批量报文体
}

// Handle 目标连接句柄
type Handle interface {
	io.Closer
}

// Deliverer 单一目标类型的投递器
type Deliverer interface {
	// TargetType 目标类型标签
	TargetType() string
	// Open 根据目标配置创建连接句柄
	Open(ctx context.Context, target *models.PushTarget) (Handle, error)
	// Deliver 执行一次投递
	Deliver(ctx context.Context, h Handle, req *Request) (*Receipt, error)
	// Ping 轻量健康检查
	Ping(ctx context.Context, h Handle, target *models.PushTarget) error
}

// RecordReader 支持按键回读记录的目标（内容校验使用）
type RecordReader interface {
	ReadRecord(ctx context.Context, h Handle, target *models.PushTarget, table string, key map[string]interface{}) (map[string]interface{}, bool, error)
}

// OperationApplier 支持执行回滚操作的目标
type OperationApplier interface {
	ApplyOperations(ctx context.Context, h Handle, target *models.PushTarget, ops []models.RollbackOperation) error
}

// Registry 投递器注册表
type Registry struct {
	mu         sync.RWMutex
	deliverers map[string]Deliverer
}

// NewRegistry 创建空的投递器注册表
func NewRegistry() *Registry {
	return &Registry{deliverers: make(map[string]Deliverer)}
}

// NewDefaultRegistry 注册内置的五种目标投递器
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewDatabaseDeliverer())
	r.Register(NewAPIDeliverer())
	r.Register(NewWebhookDeliverer())
	r.Register(NewFileDeliverer())
	r.Register(NewQueueDeliverer())
	return r
}

// Register 注册或替换投递器
func (r *Registry) Register(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverers[d.TargetType()] = d
}

// Get 获取目标类型对应的投递器
func (r *Registry) Get(targetType string) (Deliverer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliverers[targetType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTargetType, targetType)
	}
	return d, nil
}

// SupportedTypes 已注册的目标类型
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.deliverers))
	for t := range r.deliverers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
