/*
 * @module service/push_target/store
 * @description 推送目标与路由的持久化存储接口及 gorm 实现
 * @architecture 仓储模式 - 组件依赖接口，存储可替换
 * @documentReference ai_docs/push_design.md
 * @stateFlow 创建 -> 查询/更新 -> 删除
 * @rules 所有查询均按租户隔离
 * @dependencies gorm.io/gorm
 * @refs service/push_target/registry.go
 */

package push_target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"datapush-service/service/models"
)

var (
	// ErrTargetNotFound 推送目标不存在
	ErrTargetNotFound = errors.New("推送目标不存在")
	// ErrRouteNotFound 推送路由不存在
	ErrRouteNotFound = errors.New("推送路由不存在")
)

// TargetFilter 目标列表过滤条件
type TargetFilter struct {
	TargetType  string
	EnabledOnly bool
}

// HealthUpdate 健康状态写回
type HealthUpdate struct {
	HealthStatus    string
	Failed          bool // 失败时在库内累加连续失败次数，成功时清零
	LastError       string
	LastHealthCheck *time.Time
}

// TargetStore 推送目标存储
type TargetStore interface {
	Create(ctx context.Context, target *models.PushTarget) error
	Save(ctx context.Context, target *models.PushTarget) error
	Delete(ctx context.Context, tenantID, targetID string) error
	Get(ctx context.Context, tenantID, targetID string) (*models.PushTarget, error)
	// List 租户为空时返回全部租户的目标
	List(ctx context.Context, tenantID string, filter TargetFilter) ([]models.PushTarget, error)
	// UpdateHealth 仅更新健康相关字段，不改变配置版本
	UpdateHealth(ctx context.Context, targetID string, update HealthUpdate) error
	// RecordOutcome 写回投递结果：成功清零连续失败，失败累加
	RecordOutcome(ctx context.Context, targetID string, success bool, errMsg string) error
}

// RouteStore 推送路由存储
type RouteStore interface {
	Create(ctx context.Context, route *models.PushRoute) error
	Save(ctx context.Context, route *models.PushRoute) error
	Delete(ctx context.Context, tenantID, routeID string) error
	Get(ctx context.Context, tenantID, routeID string) (*models.PushRoute, error)
	// ListEnabled 按优先级降序返回启用的路由
	ListEnabled(ctx context.Context, tenantID string) ([]models.PushRoute, error)
	List(ctx context.Context, tenantID string) ([]models.PushRoute, error)
}

// GormTargetStore 基于 gorm 的目标存储
type GormTargetStore struct {
	db *gorm.DB
}

// NewGormTargetStore 创建目标存储
func NewGormTargetStore(db *gorm.DB) *GormTargetStore {
	return &GormTargetStore{db: db}
}

func (s *GormTargetStore) Create(ctx context.Context, target *models.PushTarget) error {
	if err := s.db.WithContext(ctx).Create(target).Error; err != nil {
		return fmt.Errorf("创建推送目标失败: %w", err)
	}
	return nil
}

func (s *GormTargetStore) Save(ctx context.Context, target *models.PushTarget) error {
	if err := s.db.WithContext(ctx).Save(target).Error; err != nil {
		return fmt.Errorf("更新推送目标失败: %w", err)
	}
	return nil
}

func (s *GormTargetStore) Delete(ctx context.Context, tenantID, targetID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", targetID, tenantID).
		Delete(&models.PushTarget{})
	if result.Error != nil {
		return fmt.Errorf("删除推送目标失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTargetNotFound
	}
	return nil
}

func (s *GormTargetStore) Get(ctx context.Context, tenantID, targetID string) (*models.PushTarget, error) {
	var target models.PushTarget
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", targetID, tenantID).
		First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTargetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询推送目标失败: %w", err)
	}
	return &target, nil
}

func (s *GormTargetStore) List(ctx context.Context, tenantID string, filter TargetFilter) ([]models.PushTarget, error) {
	query := s.db.WithContext(ctx)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if filter.TargetType != "" {
		query = query.Where("target_type = ?", filter.TargetType)
	}
	if filter.EnabledOnly {
		query = query.Where("enabled = ?", true)
	}
	var targets []models.PushTarget
	if err := query.Order("priority DESC, created_at ASC").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("查询推送目标列表失败: %w", err)
	}
	return targets, nil
}

func (s *GormTargetStore) UpdateHealth(ctx context.Context, targetID string, update HealthUpdate) error {
	columns := map[string]interface{}{
		"health_status":        update.HealthStatus,
		"consecutive_failures": 0,
		"last_error":           update.LastError,
		"last_health_check":    update.LastHealthCheck,
	}
	if update.Failed {
		columns["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
	}
	err := s.db.WithContext(ctx).Model(&models.PushTarget{}).
		Where("id = ?", targetID).
		UpdateColumns(columns).Error
	if err != nil {
		return fmt.Errorf("更新目标健康状态失败: %w", err)
	}
	return nil
}

func (s *GormTargetStore) RecordOutcome(ctx context.Context, targetID string, success bool, errMsg string) error {
	columns := map[string]interface{}{
		"consecutive_failures": 0,
		"last_error":           "",
	}
	if !success {
		columns["consecutive_failures"] = gorm.Expr("consecutive_failures + 1")
		columns["last_error"] = errMsg
	}
	err := s.db.WithContext(ctx).Model(&models.PushTarget{}).
		Where("id = ?", targetID).
		UpdateColumns(columns).Error
	if err != nil {
		return fmt.Errorf("写回投递结果失败: %w", err)
	}
	return nil
}

// GormRouteStore 基于 gorm 的路由存储
type GormRouteStore struct {
	db *gorm.DB
}

// NewGormRouteStore 创建路由存储
func NewGormRouteStore(db *gorm.DB) *GormRouteStore {
	return &GormRouteStore{db: db}
}

func (s *GormRouteStore) Create(ctx context.Context, route *models.PushRoute) error {
	if err := s.db.WithContext(ctx).Create(route).Error; err != nil {
		return fmt.Errorf("创建推送路由失败: %w", err)
	}
	return nil
}

func (s *GormRouteStore) Save(ctx context.Context, route *models.PushRoute) error {
	if err := s.db.WithContext(ctx).Save(route).Error; err != nil {
		return fmt.Errorf("更新推送路由失败: %w", err)
	}
	return nil
}

func (s *GormRouteStore) Delete(ctx context.Context, tenantID, routeID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", routeID, tenantID).
		Delete(&models.PushRoute{})
	if result.Error != nil {
		return fmt.Errorf("删除推送路由失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRouteNotFound
	}
	return nil
}

func (s *GormRouteStore) Get(ctx context.Context, tenantID, routeID string) (*models.PushRoute, error) {
	var route models.PushRoute
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", routeID, tenantID).
		First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询推送路由失败: %w", err)
	}
	return &route, nil
}

func (s *GormRouteStore) ListEnabled(ctx context.Context, tenantID string) ([]models.PushRoute, error) {
	var routes []models.PushRoute
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Order("priority DESC, created_at ASC").
		Find(&routes).Error
	if err != nil {
		return nil, fmt.Errorf("查询推送路由失败: %w", err)
	}
	return routes, nil
}

func (s *GormRouteStore) List(ctx context.Context, tenantID string) ([]models.PushRoute, error) {
	var routes []models.PushRoute
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("priority DESC, created_at ASC").
		Find(&routes).Error
	if err != nil {
		return nil, fmt.Errorf("查询推送路由列表失败: %w", err)
	}
	return routes, nil
}
