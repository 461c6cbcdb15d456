/*
 * @module service/models/verification
 * @description 结果校验、确认与回滚相关模型
 * @architecture 分层架构 - 数据模型层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 确认: pending -> verifying -> confirmed | rejected | timeout；回滚: planned -> executing -> completed | failed
 * @rules 仅当确认结果为 rejected/timeout 或推送失败时才允许生成回滚计划；回滚失败不自动重试
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/verification/verifier.go, service/verification/confirmation.go, service/verification/rollback.go
 */

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VerificationRule 校验规则
type VerificationRule struct {
	ID             string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID       string           `json:"tenant_id" gorm:"not null;size:64;uniqueIndex:idx_rule_tenant"`
	RuleID         string           `json:"rule_id" gorm:"not null;size:100;uniqueIndex:idx_rule_tenant" validate:"required"`
	Name           string           `json:"name" gorm:"size:255"`
	RuleType       string           `json:"rule_type" gorm:"not null;size:20" validate:"required,oneof=count checksum content schema custom"`
	Config         JSONB            `json:"config" gorm:"type:jsonb"`
	ErrorThreshold float64          `json:"error_threshold" validate:"gte=0,lte=1"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	MaxRetries     int              `json:"max_retries"`
	TargetTypes    JSONBStringArray `json:"target_types" gorm:"type:jsonb"` // 为空表示适用于所有目标类型
	Enabled        bool             `json:"enabled" gorm:"not null"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// BeforeCreate 创建前钩子
func (r *VerificationRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// Timeout 规则超时时间，默认30秒
func (r *VerificationRule) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// AppliesTo 规则是否适用于目标类型
func (r *VerificationRule) AppliesTo(targetType string) bool {
	if len(r.TargetTypes) == 0 {
		return true
	}
	for _, t := range r.TargetTypes {
		if t == targetType || t == "*" {
			return true
		}
	}
	return false
}

// VerificationResult 单条规则在单个目标上的校验结果
type VerificationResult struct {
	ID                 string    `json:"verification_id" gorm:"primaryKey;type:varchar(36)"`
	PushID             string    `json:"push_id" gorm:"not null;size:36;index"`
	TenantID           string    `json:"tenant_id" gorm:"size:64;index"`
	RuleID             string    `json:"rule_id" gorm:"not null;size:100"`
	TargetID           string    `json:"target_id" gorm:"not null;size:36"`
	Status             string    `json:"status" gorm:"not null;size:20"` // success, failed, timeout, error
	RecordsVerified    int       `json:"records_verified"`
	RecordsFailed      int       `json:"records_failed"`
	Expected           string    `json:"expected,omitempty" gorm:"size:255"`
	Actual             string    `json:"actual,omitempty" gorm:"size:255"`
	VerificationTimeMs int64     `json:"verification_time_ms"`
	Attempts           int       `json:"attempts"`
	ErrorMessage       string    `json:"error_message,omitempty" gorm:"type:text"`
	Details            JSONB     `json:"details,omitempty" gorm:"type:jsonb"`
	CreatedAt          time.Time `json:"created_at"`
}

// BeforeCreate 创建前钩子
func (r *VerificationResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// ConfirmationRecord 确认窗口
type ConfirmationRecord struct {
	ID                    string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PushID                string           `json:"push_id" gorm:"not null;size:36;uniqueIndex"`
	TenantID              string           `json:"tenant_id" gorm:"size:64;index"`
	TargetID              string           `json:"target_id" gorm:"size:36"`
	ConfirmationType      string           `json:"confirmation_type" gorm:"not null;size:20"` // auto, manual, delayed
	RequiredVerifications JSONBStringArray `json:"required_verifications" gorm:"type:jsonb"`
	Status                string           `json:"status" gorm:"not null;size:20;index"`
	Deadline              time.Time        `json:"deadline"`
	NotBefore             *time.Time       `json:"not_before,omitempty"`
	ConfirmedAt           *time.Time       `json:"confirmed_at,omitempty"`
	ConfirmedBy           string           `json:"confirmed_by,omitempty" gorm:"size:100"`
	RejectionReason       string           `json:"rejection_reason,omitempty" gorm:"type:text"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// BeforeCreate 创建前钩子
func (c *ConfirmationRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// ConfirmationResult 确认处理结果
type ConfirmationResult struct {
	PushID              string               `json:"push_id"`
	Status              string               `json:"status"` // confirmed, rejected, timeout, pending
	ConfirmedAt         *time.Time           `json:"confirmed_at,omitempty"`
	ConfirmedBy         string               `json:"confirmed_by,omitempty"`
	RejectionReason     string               `json:"rejection_reason,omitempty"`
	VerificationResults []VerificationResult `json:"verification_results"`
}

// RollbackOperation 回滚计划中的单个有序操作
type RollbackOperation struct {
	Sequence    int                    `json:"sequence"`
	Operation   string                 `json:"operation"` // INSERT, UPDATE, DELETE, RESTORE_BACKUP, MANUAL_INTERVENTION
	TableName   string                 `json:"table_name,omitempty"`
	RecordID    string                 `json:"record_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	RestoreTo   *time.Time             `json:"restore_to,omitempty"`
	Tables      []string               `json:"tables,omitempty"`
	Instruction string                 `json:"instruction,omitempty"`
}

// RollbackOperations 有序回滚操作列表
type RollbackOperations []RollbackOperation

// Scan 实现 sql.Scanner 接口
func (o *RollbackOperations) Scan(value interface{}) error {
	return scanJSON(value, o)
}

// Value 实现 driver.Valuer 接口
func (o RollbackOperations) Value() (driver.Value, error) {
	if o == nil {
		return "[]", nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// RollbackPlan 回滚计划
type RollbackPlan struct {
	ID           string             `json:"rollback_id" gorm:"primaryKey;type:varchar(36)"`
	PushID       string             `json:"push_id" gorm:"not null;size:36;index"`
	TenantID     string             `json:"tenant_id" gorm:"size:64"`
	TargetID     string             `json:"target_id" gorm:"not null;size:36"`
	Strategy     string             `json:"strategy" gorm:"not null;size:40"`
	Operations   RollbackOperations `json:"operations" gorm:"type:jsonb"`
	Status       string             `json:"status" gorm:"not null;size:20"` // planned, executing, completed, failed
	ErrorMessage string             `json:"error_message,omitempty" gorm:"type:text"`
	CreatedBy    string             `json:"created_by" gorm:"size:100"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// BeforeCreate 创建前钩子
func (p *RollbackPlan) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
