package push_router

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"datapush-service/service/models"
)

// ResultStore 推送结果存储
type ResultStore interface {
	Save(ctx context.Context, results []models.PushResult) error
	ListByPush(ctx context.Context, pushID string) ([]models.PushResult, error)
	Latest(ctx context.Context, pushID, targetID string) (*models.PushResult, error)
}

// GormResultStore 基于gorm的推送结果存储
type GormResultStore struct {
	db *gorm.DB
}

// NewGormResultStore 创建推送结果存储
func NewGormResultStore(db *gorm.DB) *GormResultStore {
	return &GormResultStore{db: db}
}

// Save 批量写入推送结果
func (s *GormResultStore) Save(ctx context.Context, results []models.PushResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&results).Error; err != nil {
		return fmt.Errorf("保存推送结果失败: %w", err)
	}
	return nil
}

// ListByPush 查询一次推送的全部目标结果
func (s *GormResultStore) ListByPush(ctx context.Context, pushID string) ([]models.PushResult, error) {
	var results []models.PushResult
	err := s.db.WithContext(ctx).Where("push_id = ?", pushID).Order("timestamp ASC").Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("查询推送结果失败: %w", err)
	}
	return results, nil
}

// Latest 查询一次推送在某目标上的最新结果，不存在时返回 nil
func (s *GormResultStore) Latest(ctx context.Context, pushID, targetID string) (*models.PushResult, error) {
	var results []models.PushResult
	err := s.db.WithContext(ctx).
		Where("push_id = ? AND target_id = ?", pushID, targetID).
		Order("timestamp DESC").Limit(1).Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("查询推送结果失败: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}
