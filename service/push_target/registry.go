/*
 * @module service/push_target/registry
 * @description 推送目标注册中心：目标与路由的增删改查、敏感配置加密、熔断器与连接池归属、投递入口
 * @architecture 分层架构 - 服务层，独占目标配置、熔断状态与连接池
 * @documentReference ai_docs/push_design.md
 * @stateFlow 创建(加密落库) -> 查询(对外脱敏/对内解密) -> 健康检查/投递结果写回 -> 删除(释放连接与熔断器)
 * @rules
 *   - 敏感连接字段只以密文落库，对外返回一律脱敏
 *   - 其他组件只能通过 RecordDeliveryOutcome 写回投递结果
 *   - 每次增删改都写审计记录
 * @dependencies gorm.io/gorm, github.com/puzpuzpuz/xsync/v3, github.com/go-playground/validator/v10
 * @refs service/push_router/router.go, service/delivery/deliverer.go
 */

package push_target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"datapush-service/service/audit"
	"datapush-service/service/delivery"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
	"datapush-service/service/utils"
)

// ErrNoTargetsAvailable 没有可用的推送目标
var ErrNoTargetsAvailable = errors.New("没有可用的推送目标")

// DefaultSensitiveFields 默认加密的连接配置字段
var DefaultSensitiveFields = []string{"password", "api_key", "secret", "token", "private_key"}

// Options 注册中心依赖
type Options struct {
	Targets         TargetStore
	Routes          RouteStore
	Deliverers      *delivery.Registry
	Crypto          *utils.CryptoUtils
	SensitiveFields []string
	Audit           audit.Sink
	Breaker         BreakerConfig
	DeliveryTimeout time.Duration
	Now             func() time.Time
	Seed            int64
}

// Registry 推送目标注册中心
type Registry struct {
	targets         TargetStore
	routes          RouteStore
	deliverers      *delivery.Registry
	pools           *delivery.PoolManager
	breakers        *BreakerSet
	crypto          *utils.CryptoUtils
	sensitive       []string
	audit           audit.Sink
	selectors       map[string]Selector
	active          *xsync.MapOf[string, *atomic.Int64]
	deliveryTimeout time.Duration
	now             func() time.Time
}

// NewRegistry 创建注册中心
func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Deliverers == nil {
		opts.Deliverers = delivery.NewDefaultRegistry()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if len(opts.SensitiveFields) == 0 {
		opts.SensitiveFields = DefaultSensitiveFields
	}
	if opts.Breaker.Threshold <= 0 {
		opts.Breaker = DefaultBreakerConfig()
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	r := &Registry{
		targets:         opts.Targets,
		routes:          opts.Routes,
		deliverers:      opts.Deliverers,
		pools:           delivery.NewPoolManager(),
		breakers:        NewBreakerSet(opts.Breaker, opts.Now),
		crypto:          opts.Crypto,
		sensitive:       opts.SensitiveFields,
		audit:           opts.Audit,
		active:          xsync.NewMapOf[string, *atomic.Int64](),
		deliveryTimeout: opts.DeliveryTimeout,
		now:             opts.Now,
	}
	r.selectors = NewSelectors(r, opts.Seed)
	return r
}

// TargetUpdate 目标更新内容，nil 字段保持不变
type TargetUpdate struct {
	Name              *string      `json:"name,omitempty"`
	ConnectionConfig  models.JSONB `json:"connection_config,omitempty"`
	FormatConfig      models.JSONB `json:"format_config,omitempty"`
	RetryConfig       models.JSONB `json:"retry_config,omitempty"`
	RoutingConfig     models.JSONB `json:"routing_config,omitempty"`
	HealthCheckConfig models.JSONB `json:"health_check_config,omitempty"`
	Enabled           *bool        `json:"enabled,omitempty"`
	Priority          *int         `json:"priority,omitempty"`
	Weight            *int         `json:"weight,omitempty"`
}

// CreateTarget 创建推送目标，返回脱敏后的配置
func (r *Registry) CreateTarget(ctx context.Context, actor audit.Actor, target *models.PushTarget) (*models.PushTarget, error) {
	err := r.createTarget(ctx, actor, target)
	r.audit.Record(ctx, audit.Entry{
		TenantID:     target.TenantID,
		Action:       audit.ActionTargetCreate,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "push_target",
		ResourceID:   target.ID,
		Details:      map[string]interface{}{"name": target.Name, "target_type": target.TargetType},
		Success:      err == nil,
		ErrorMessage: audit.ErrString(err),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("创建推送目标", "tenant_id", target.TenantID, "target_id", target.ID, "target_type", target.TargetType)
	return r.masked(target), nil
}

func (r *Registry) createTarget(ctx context.Context, actor audit.Actor, target *models.PushTarget) error {
	if err := utils.ValidateStruct(target); err != nil {
		return err
	}
	if _, err := r.deliverers.Get(target.TargetType); err != nil {
		return err
	}
	if target.TenantID == "" {
		return errors.New("租户ID不能为空")
	}
	target.ConnectionConfig = r.encrypt(target.ConnectionConfig)
	target.HealthStatus = "unknown"
	target.ConsecutiveFailures = 0
	if target.CreatedBy == "" {
		target.CreatedBy = actor.ID
	}
	return r.targets.Create(ctx, target)
}

// UpdateTarget 更新推送目标；连接配置按键合并，值为脱敏占位符的键保持原密文
func (r *Registry) UpdateTarget(ctx context.Context, actor audit.Actor, tenantID, targetID string, upd TargetUpdate) (*models.PushTarget, error) {
	target, changed, err := r.updateTarget(ctx, tenantID, targetID, upd)
	r.audit.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		Action:       audit.ActionTargetUpdate,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "push_target",
		ResourceID:   targetID,
		Details:      map[string]interface{}{"changed_fields": changed},
		Success:      err == nil,
		ErrorMessage: audit.ErrString(err),
	})
	if err != nil {
		return nil, err
	}
	// 配置变更后旧连接作废
	r.pools.Release(targetID)
	return r.masked(target), nil
}

func (r *Registry) updateTarget(ctx context.Context, tenantID, targetID string, upd TargetUpdate) (*models.PushTarget, []string, error) {
	target, err := r.targets.Get(ctx, tenantID, targetID)
	if err != nil {
		return nil, nil, err
	}
	var changed []string
	if upd.Name != nil {
		target.Name = *upd.Name
		changed = append(changed, "name")
	}
	if upd.ConnectionConfig != nil {
		merged := target.ConnectionConfig.Clone()
		if merged == nil {
			merged = models.JSONB{}
		}
		for k, v := range upd.ConnectionConfig {
			if s, ok := v.(string); ok && s == utils.MaskedValue {
				continue
			}
			merged[k] = v
		}
		target.ConnectionConfig = r.encrypt(merged)
		changed = append(changed, "connection_config")
	}
	if upd.FormatConfig != nil {
		target.FormatConfig = upd.FormatConfig
		changed = append(changed, "format_config")
	}
	if upd.RetryConfig != nil {
		target.RetryConfig = upd.RetryConfig
		changed = append(changed, "retry_config")
	}
	if upd.RoutingConfig != nil {
		target.RoutingConfig = upd.RoutingConfig
		changed = append(changed, "routing_config")
	}
	if upd.HealthCheckConfig != nil {
		target.HealthCheckConfig = upd.HealthCheckConfig
		changed = append(changed, "health_check_config")
	}
	if upd.Enabled != nil {
		target.Enabled = *upd.Enabled
		changed = append(changed, "enabled")
	}
	if upd.Priority != nil {
		target.Priority = *upd.Priority
		changed = append(changed, "priority")
	}
	if upd.Weight != nil {
		target.Weight = *upd.Weight
		changed = append(changed, "weight")
	}
	if err := utils.ValidateStruct(target); err != nil {
		return nil, changed, err
	}
	if err := r.targets.Save(ctx, target); err != nil {
		return nil, changed, err
	}
	return target, changed, nil
}

// DeleteTarget 删除推送目标并释放其连接与熔断器
func (r *Registry) DeleteTarget(ctx context.Context, actor audit.Actor, tenantID, targetID string) error {
	err := r.targets.Delete(ctx, tenantID, targetID)
	r.audit.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		Action:       audit.ActionTargetDelete,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "push_target",
		ResourceID:   targetID,
		Success:      err == nil,
		ErrorMessage: audit.ErrString(err),
	})
	if err != nil {
		return err
	}
	r.pools.Release(targetID)
	r.breakers.Remove(targetID)
	r.active.Delete(targetID)
	return nil
}

// GetTarget 查询单个目标（脱敏）
func (r *Registry) GetTarget(ctx context.Context, tenantID, targetID string) (*models.PushTarget, error) {
	target, err := r.targets.Get(ctx, tenantID, targetID)
	if err != nil {
		return nil, err
	}
	return r.masked(target), nil
}

// ListTargets 查询目标列表（脱敏）
func (r *Registry) ListTargets(ctx context.Context, tenantID string, filter TargetFilter) ([]models.PushTarget, error) {
	targets, err := r.targets.List(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	for i := range targets {
		targets[i].ConnectionConfig = utils.MaskFields(targets[i].ConnectionConfig, r.sensitive)
	}
	return targets, nil
}

// ResolveTarget 查询并解密目标配置，仅供内部投递使用
func (r *Registry) ResolveTarget(ctx context.Context, tenantID, targetID string) (*models.PushTarget, error) {
	target, err := r.targets.Get(ctx, tenantID, targetID)
	if err != nil {
		return nil, err
	}
	if err := r.decrypt(target); err != nil {
		return nil, err
	}
	return target, nil
}

// FallbackCandidates 降级模式候选：租户内启用目标按优先级取前 n 个
func (r *Registry) FallbackCandidates(ctx context.Context, tenantID string, n int) ([]models.PushTarget, error) {
	targets, err := r.targets.List(ctx, tenantID, TargetFilter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Priority > targets[j].Priority })
	if n > 0 && len(targets) > n {
		targets = targets[:n]
	}
	return r.decryptAll(targets)
}

func (r *Registry) encrypt(cfg models.JSONB) models.JSONB {
	if r.crypto == nil || cfg == nil {
		return cfg
	}
	return models.JSONB(r.crypto.EncryptFields(cfg, r.sensitive))
}

func (r *Registry) decrypt(target *models.PushTarget) error {
	if r.crypto == nil || target.ConnectionConfig == nil {
		return nil
	}
	plain, err := r.crypto.DecryptFields(target.ConnectionConfig, r.sensitive)
	if err != nil {
		return fmt.Errorf("解密目标 %s 连接配置失败: %w", target.ID, err)
	}
	target.ConnectionConfig = plain
	return nil
}

func (r *Registry) decryptAll(targets []models.PushTarget) ([]models.PushTarget, error) {
	out := make([]models.PushTarget, 0, len(targets))
	for i := range targets {
		t := targets[i]
		if err := r.decrypt(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Registry) masked(target *models.PushTarget) *models.PushTarget {
	out := *target
	out.ConnectionConfig = utils.MaskFields(target.ConnectionConfig, r.sensitive)
	return &out
}

// ActiveConnections 目标当前进行中的投递数
func (r *Registry) ActiveConnections(targetID string) int64 {
	if c, ok := r.active.Load(targetID); ok {
		return c.Load()
	}
	return 0
}

func (r *Registry) activeCounter(targetID string) *atomic.Int64 {
	c, _ := r.active.LoadOrCompute(targetID, func() *atomic.Int64 { return &atomic.Int64{} })
	return c
}

// Breaker 目标熔断器状态快照
func (r *Registry) Breaker(targetID string) BreakerSnapshot {
	return r.breakers.Get(targetID).Snapshot()
}

// IsAvailable 目标熔断器是否允许尝试（只读）
func (r *Registry) IsAvailable(targetID string) bool {
	return r.breakers.Get(targetID).Available()
}

// AllowAttempt 请求一次投递尝试，打开状态到期时转为半开
func (r *Registry) AllowAttempt(targetID string) bool {
	return r.breakers.Get(targetID).Allow()
}

// Deliver 通过目标的池化连接执行一次投递
func (r *Registry) Deliver(ctx context.Context, target *models.PushTarget, req *delivery.Request) (*delivery.Receipt, error) {
	d, err := r.deliverers.Get(target.TargetType)
	if err != nil {
		return nil, err
	}
	h, release, err := r.handle(ctx, d, target)
	if err != nil {
		return nil, err
	}
	defer release()

	counter := r.activeCounter(target.ID)
	counter.Add(1)
	defer counter.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	start := r.now()
	receipt, err := d.Deliver(ctx, h, req)
	records := 0
	if receipt != nil {
		records = receipt.RecordsPushed
	}
	monitoring.ObserveDelivery(target.TargetType, err == nil, records, time.Since(start))
	return receipt, err
}

// RecordDeliveryOutcome 投递结果写回：更新熔断器与连续失败计数
func (r *Registry) RecordDeliveryOutcome(ctx context.Context, targetID string, success bool, deliveryErr error) {
	r.breakers.Get(targetID).Record(success)
	if err := r.targets.RecordOutcome(ctx, targetID, success, audit.ErrString(deliveryErr)); err != nil {
		slog.Warn("写回投递结果失败", "target_id", targetID, "error", err)
	}
}

// ReadRecord 从目标回读记录，目标需支持回读能力
func (r *Registry) ReadRecord(ctx context.Context, target *models.PushTarget, table string, key map[string]interface{}) (map[string]interface{}, bool, error) {
	d, err := r.deliverers.Get(target.TargetType)
	if err != nil {
		return nil, false, err
	}
	reader, ok := d.(delivery.RecordReader)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s 不支持回读", delivery.ErrCapabilityNotSupported, target.TargetType)
	}
	h, release, err := r.handle(ctx, d, target)
	if err != nil {
		return nil, false, err
	}
	defer release()
	return reader.ReadRecord(ctx, h, target, table, key)
}

// ApplyOperations 在目标上执行补偿操作，目标需支持该能力
func (r *Registry) ApplyOperations(ctx context.Context, target *models.PushTarget, ops []models.RollbackOperation) error {
	d, err := r.deliverers.Get(target.TargetType)
	if err != nil {
		return err
	}
	applier, ok := d.(delivery.OperationApplier)
	if !ok {
		return fmt.Errorf("%w: %s 不支持回滚操作", delivery.ErrCapabilityNotSupported, target.TargetType)
	}
	h, release, err := r.handle(ctx, d, target)
	if err != nil {
		return err
	}
	defer release()
	return applier.ApplyOperations(ctx, h, target, ops)
}

func (r *Registry) handle(ctx context.Context, d delivery.Deliverer, target *models.PushTarget) (delivery.Handle, func(), error) {
	h, release, err := r.pools.GetOrCreate(ctx, target.ID, target.UpdatedAt, func(ctx context.Context) (delivery.Handle, error) {
		return d.Open(ctx, target)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("打开目标 %s 连接失败: %w", target.ID, err)
	}
	return h, release, nil
}

// Close 关闭所有目标连接
func (r *Registry) Close() {
	r.pools.CloseAll()
}
