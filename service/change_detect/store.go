package change_detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

var (
	// ErrSourceNotFound 变更源不存在
	ErrSourceNotFound = errors.New("变更源不存在")
	// ErrPolicyNotFound 权限策略不存在
	ErrPolicyNotFound = errors.New("权限策略不存在")
)

// SourceStore 变更源配置存储
type SourceStore interface {
	Create(ctx context.Context, source *models.ChangeSource) error
	Get(ctx context.Context, tenantID, sourceID string) (*models.ChangeSource, error)
	List(ctx context.Context, tenantID string) ([]models.ChangeSource, error)
	ListScheduled(ctx context.Context) ([]models.ChangeSource, error)
	Delete(ctx context.Context, tenantID, sourceID string) error
}

// CheckpointStore 检测执行记录，最近一次成功执行的完成时间即检查点
type CheckpointStore interface {
	LastSuccess(ctx context.Context, tenantID, sourceID string) (*time.Time, error)
	Begin(ctx context.Context, exec *models.PushExecution) error
	Finish(ctx context.Context, exec *models.PushExecution) error
	List(ctx context.Context, tenantID, sourceID string, limit int) ([]models.PushExecution, error)
}

// PolicyStore 权限策略存储
type PolicyStore interface {
	Get(ctx context.Context, tenantID, identity, targetID string) (*models.PermissionPolicy, error)
	Upsert(ctx context.Context, policy *models.PermissionPolicy) error
	Delete(ctx context.Context, tenantID, identity, targetID string) error
	List(ctx context.Context, tenantID string) ([]models.PermissionPolicy, error)
}

// GormStore 基于gorm的变更源、检查点与权限策略存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Sources 变更源存储视图
func (s *GormStore) Sources() SourceStore { return gormSourceStore{s.db} }

// Checkpoints 检查点存储视图
func (s *GormStore) Checkpoints() CheckpointStore { return gormCheckpointStore{s.db} }

// Policies 权限策略存储视图
func (s *GormStore) Policies() PolicyStore { return gormPolicyStore{s.db} }

type gormSourceStore struct{ db *gorm.DB }

func (s gormSourceStore) Create(ctx context.Context, source *models.ChangeSource) error {
	if err := s.db.WithContext(ctx).Create(source).Error; err != nil {
		return fmt.Errorf("创建变更源失败: %w", err)
	}
	return nil
}

func (s gormSourceStore) Get(ctx context.Context, tenantID, sourceID string) (*models.ChangeSource, error) {
	var source models.ChangeSource
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, sourceID).First(&source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询变更源失败: %w", err)
	}
	return &source, nil
}

func (s gormSourceStore) List(ctx context.Context, tenantID string) ([]models.ChangeSource, error) {
	var sources []models.ChangeSource
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("name ASC").Find(&sources).Error; err != nil {
		return nil, fmt.Errorf("查询变更源失败: %w", err)
	}
	return sources, nil
}

func (s gormSourceStore) ListScheduled(ctx context.Context) ([]models.ChangeSource, error) {
	var sources []models.ChangeSource
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND schedule <> ?", true, "").
		Order("tenant_id ASC, name ASC").
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("查询定时变更源失败: %w", err)
	}
	return sources, nil
}

func (s gormSourceStore) Delete(ctx context.Context, tenantID, sourceID string) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, sourceID).Delete(&models.ChangeSource{})
	if res.Error != nil {
		return fmt.Errorf("删除变更源失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSourceNotFound
	}
	return nil
}

type gormCheckpointStore struct{ db *gorm.DB }

func (s gormCheckpointStore) LastSuccess(ctx context.Context, tenantID, sourceID string) (*time.Time, error) {
	var exec models.PushExecution
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_id = ? AND status = ? AND completed_at IS NOT NULL", tenantID, sourceID, meta.ExecutionStatusSuccess).
		Order("completed_at DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询检查点失败: %w", err)
	}
	return exec.CompletedAt, nil
}

func (s gormCheckpointStore) Begin(ctx context.Context, exec *models.PushExecution) error {
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("记录检测执行失败: %w", err)
	}
	return nil
}

func (s gormCheckpointStore) Finish(ctx context.Context, exec *models.PushExecution) error {
	if err := s.db.WithContext(ctx).Save(exec).Error; err != nil {
		return fmt.Errorf("更新检测执行失败: %w", err)
	}
	return nil
}

func (s gormCheckpointStore) List(ctx context.Context, tenantID, sourceID string, limit int) ([]models.PushExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var execs []models.PushExecution
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_id = ?", tenantID, sourceID).
		Order("started_at DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("查询检测执行记录失败: %w", err)
	}
	return execs, nil
}

type gormPolicyStore struct{ db *gorm.DB }

func (s gormPolicyStore) Get(ctx context.Context, tenantID, identity, targetID string) (*models.PermissionPolicy, error) {
	var policy models.PermissionPolicy
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND identity = ? AND target_id = ?", tenantID, identity, targetID).
		First(&policy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询权限策略失败: %w", err)
	}
	return &policy, nil
}

func (s gormPolicyStore) Upsert(ctx context.Context, policy *models.PermissionPolicy) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "identity"}, {Name: "target_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"allowed_tables", "denied_tables", "denied_fields", "allowed_ips", "allowed_hours", "updated_at",
		}),
	}).Create(policy).Error
	if err != nil {
		return fmt.Errorf("保存权限策略失败: %w", err)
	}
	return nil
}

func (s gormPolicyStore) Delete(ctx context.Context, tenantID, identity, targetID string) error {
	res := s.db.WithContext(ctx).
		Where("tenant_id = ? AND identity = ? AND target_id = ?", tenantID, identity, targetID).
		Delete(&models.PermissionPolicy{})
	if res.Error != nil {
		return fmt.Errorf("删除权限策略失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s gormPolicyStore) List(ctx context.Context, tenantID string) ([]models.PermissionPolicy, error) {
	var policies []models.PermissionPolicy
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("identity ASC, target_id ASC").Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("查询权限策略失败: %w", err)
	}
	return policies, nil
}
