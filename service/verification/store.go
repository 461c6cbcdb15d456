package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

var (
	// ErrRuleNotFound 校验规则不存在
	ErrRuleNotFound = errors.New("校验规则不存在")
	// ErrConfirmationNotFound 确认窗口不存在
	ErrConfirmationNotFound = errors.New("确认请求不存在")
	// ErrRollbackNotFound 回滚计划不存在
	ErrRollbackNotFound = errors.New("回滚计划不存在")
)

// RuleStore 校验规则存储
type RuleStore interface {
	Create(ctx context.Context, rule *models.VerificationRule) error
	Save(ctx context.Context, rule *models.VerificationRule) error
	Delete(ctx context.Context, tenantID, ruleID string) error
	Get(ctx context.Context, tenantID, ruleID string) (*models.VerificationRule, error)
	List(ctx context.Context, tenantID string, enabledOnly bool) ([]models.VerificationRule, error)
}

// ResultStore 校验结果存储
type ResultStore interface {
	SaveResults(ctx context.Context, results []models.VerificationResult) error
	ListByPush(ctx context.Context, pushID string) ([]models.VerificationResult, error)
	StatusSummary(ctx context.Context, tenantID string, since time.Time) ([]StatusCount, error)
}

// StatusCount 按状态聚合的校验结果
type StatusCount struct {
	Status    string  `json:"status"`
	Count     int64   `json:"count"`
	AvgTimeMs float64 `json:"avg_time_ms"`
}

// ConfirmationStore 确认窗口存储
type ConfirmationStore interface {
	Create(ctx context.Context, rec *models.ConfirmationRecord) error
	Save(ctx context.Context, rec *models.ConfirmationRecord) error
	Get(ctx context.Context, pushID string) (*models.ConfirmationRecord, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.ConfirmationRecord, error)
}

// RollbackStore 回滚计划存储
type RollbackStore interface {
	Create(ctx context.Context, plan *models.RollbackPlan) error
	Save(ctx context.Context, plan *models.RollbackPlan) error
	Get(ctx context.Context, rollbackID string) (*models.RollbackPlan, error)
	ListByPush(ctx context.Context, pushID string) ([]models.RollbackPlan, error)
}

// GormStore 基于gorm的校验、确认与回滚存储
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Rules 校验规则存储视图
func (s *GormStore) Rules() RuleStore { return gormRuleStore{s.db} }

// Results 校验结果存储视图
func (s *GormStore) Results() ResultStore { return gormResultStore{s.db} }

// Confirmations 确认窗口存储视图
func (s *GormStore) Confirmations() ConfirmationStore { return gormConfirmationStore{s.db} }

// Rollbacks 回滚计划存储视图
func (s *GormStore) Rollbacks() RollbackStore { return gormRollbackStore{s.db} }

type gormRuleStore struct{ db *gorm.DB }

func (s gormRuleStore) Create(ctx context.Context, rule *models.VerificationRule) error {
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("创建校验规则失败: %w", err)
	}
	return nil
}

func (s gormRuleStore) Save(ctx context.Context, rule *models.VerificationRule) error {
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return fmt.Errorf("更新校验规则失败: %w", err)
	}
	return nil
}

func (s gormRuleStore) Delete(ctx context.Context, tenantID, ruleID string) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND rule_id = ?", tenantID, ruleID).Delete(&models.VerificationRule{})
	if res.Error != nil {
		return fmt.Errorf("删除校验规则失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s gormRuleStore) Get(ctx context.Context, tenantID, ruleID string) (*models.VerificationRule, error) {
	var rule models.VerificationRule
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND rule_id = ?", tenantID, ruleID).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询校验规则失败: %w", err)
	}
	return &rule, nil
}

func (s gormRuleStore) List(ctx context.Context, tenantID string, enabledOnly bool) ([]models.VerificationRule, error) {
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}
	var rules []models.VerificationRule
	if err := query.Order("rule_id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("查询校验规则失败: %w", err)
	}
	return rules, nil
}

type gormResultStore struct{ db *gorm.DB }

func (s gormResultStore) SaveResults(ctx context.Context, results []models.VerificationResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&results).Error; err != nil {
		return fmt.Errorf("保存校验结果失败: %w", err)
	}
	return nil
}

func (s gormResultStore) ListByPush(ctx context.Context, pushID string) ([]models.VerificationResult, error) {
	var results []models.VerificationResult
	err := s.db.WithContext(ctx).Where("push_id = ?", pushID).Order("created_at ASC").Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("查询校验结果失败: %w", err)
	}
	return results, nil
}

func (s gormResultStore) StatusSummary(ctx context.Context, tenantID string, since time.Time) ([]StatusCount, error) {
	var rows []StatusCount
	query := s.db.WithContext(ctx).Model(&models.VerificationResult{}).
		Select("status, COUNT(*) AS count, AVG(verification_time_ms) AS avg_time_ms").
		Where("tenant_id = ?", tenantID)
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("统计校验结果失败: %w", err)
	}
	return rows, nil
}

type gormConfirmationStore struct{ db *gorm.DB }

func (s gormConfirmationStore) Create(ctx context.Context, rec *models.ConfirmationRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("创建确认请求失败: %w", err)
	}
	return nil
}

func (s gormConfirmationStore) Save(ctx context.Context, rec *models.ConfirmationRecord) error {
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("更新确认请求失败: %w", err)
	}
	return nil
}

func (s gormConfirmationStore) Get(ctx context.Context, pushID string) (*models.ConfirmationRecord, error) {
	var rec models.ConfirmationRecord
	err := s.db.WithContext(ctx).Where("push_id = ?", pushID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConfirmationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询确认请求失败: %w", err)
	}
	return &rec, nil
}

func (s gormConfirmationStore) ListExpired(ctx context.Context, now time.Time) ([]models.ConfirmationRecord, error) {
	var recs []models.ConfirmationRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND deadline < ?", []string{meta.ConfirmationPending, meta.ConfirmationVerifying}, now).
		Order("deadline ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("查询超时确认请求失败: %w", err)
	}
	return recs, nil
}

type gormRollbackStore struct{ db *gorm.DB }

func (s gormRollbackStore) Create(ctx context.Context, plan *models.RollbackPlan) error {
	if err := s.db.WithContext(ctx).Create(plan).Error; err != nil {
		return fmt.Errorf("创建回滚计划失败: %w", err)
	}
	return nil
}

func (s gormRollbackStore) Save(ctx context.Context, plan *models.RollbackPlan) error {
	if err := s.db.WithContext(ctx).Save(plan).Error; err != nil {
		return fmt.Errorf("更新回滚计划失败: %w", err)
	}
	return nil
}

func (s gormRollbackStore) Get(ctx context.Context, rollbackID string) (*models.RollbackPlan, error) {
	var plan models.RollbackPlan
	err := s.db.WithContext(ctx).Where("id = ?", rollbackID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRollbackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询回滚计划失败: %w", err)
	}
	return &plan, nil
}

func (s gormRollbackStore) ListByPush(ctx context.Context, pushID string) ([]models.RollbackPlan, error) {
	var plans []models.RollbackPlan
	err := s.db.WithContext(ctx).Where("push_id = ?", pushID).Order("created_at ASC").Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("查询回滚计划失败: %w", err)
	}
	return plans, nil
}
