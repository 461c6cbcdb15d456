/*
 * @module service/models/change_record
 * @description 变更记录、变更源、推送执行记录（检查点）与推送权限策略模型
 * @architecture 分层架构 - 数据模型层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 变更源 -> 变更检测 -> 变更记录（只读） -> 权限过滤 -> 推送
 * @rules 变更记录创建后不可修改，下游只读消费；检查点以最后一次成功执行的完成时间为准
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/change_detect/detector.go
 */

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChangeRecord 一条检测到的数据变更，创建后只读
type ChangeRecord struct {
	RecordID  string                 `json:"record_id"`
	Operation string                 `json:"operation"` // INSERT, UPDATE, DELETE
	TableName string                 `json:"table_name"`
	OldData   map[string]interface{} `json:"old_data,omitempty"`
	NewData   map[string]interface{} `json:"new_data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checksum  string                 `json:"checksum,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewChangeRecord 创建变更记录并计算内容校验和
func NewChangeRecord(recordID, operation, table string, oldData, newData map[string]interface{}, ts time.Time, metadata map[string]interface{}) ChangeRecord {
	rec := ChangeRecord{
		RecordID:  recordID,
		Operation: operation,
		TableName: table,
		OldData:   oldData,
		NewData:   newData,
		Timestamp: ts,
		Metadata:  metadata,
	}
	rec.Checksum = rec.ComputeChecksum()
	return rec
}

// Data 返回新数据，缺失时返回空map
func (c ChangeRecord) Data() map[string]interface{} {
	if c.NewData == nil {
		return map[string]interface{}{}
	}
	return c.NewData
}

// Old 返回旧数据，缺失时返回空map
func (c ChangeRecord) Old() map[string]interface{} {
	if c.OldData == nil {
		return map[string]interface{}{}
	}
	return c.OldData
}

// ComputeChecksum 基于有序键JSON计算新数据的sha256
func (c ChangeRecord) ComputeChecksum() string {
	data, err := json.Marshal(c.Data())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EstimatedSize 估算变更记录序列化后的大小（字节）
func (c ChangeRecord) EstimatedSize() int64 {
	data, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// ChangeSource 变更源配置模型
type ChangeSource struct {
	ID               string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID         string           `json:"tenant_id" gorm:"not null;size:64;index"`
	Name             string           `json:"name" gorm:"not null;size:255"`
	Category         string           `json:"category" gorm:"not null;size:50"` // database, http, file
	ConnectionConfig JSONB            `json:"connection_config" gorm:"type:jsonb"`
	Tables           JSONBStringArray `json:"tables" gorm:"type:jsonb"`
	ParamsConfig     JSONB            `json:"params_config" gorm:"type:jsonb"`
	Schedule         string           `json:"schedule" gorm:"size:100"` // cron表达式，空表示不定时检测
	Enabled          bool             `json:"enabled" gorm:"not null"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// BeforeCreate 创建前钩子
func (s *ChangeSource) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// PushExecution 推送执行记录，同时充当检测检查点
type PushExecution struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID        string     `json:"tenant_id" gorm:"not null;size:64;index:idx_exec_tenant_source"`
	SourceID        string     `json:"source_id" gorm:"not null;size:64;index:idx_exec_tenant_source"`
	PushID          string     `json:"push_id" gorm:"size:36"`
	Status          string     `json:"status" gorm:"not null;size:20"` // running, success, failed
	WindowStart     time.Time  `json:"window_start"`
	RecordsDetected int        `json:"records_detected"`
	RecordsAllowed  int        `json:"records_allowed"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	ErrorMessage    string     `json:"error_message" gorm:"type:text"`
}

// BeforeCreate 创建前钩子
func (e *PushExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// PermissionPolicy 推送权限策略，按 (租户, 身份, 目标) 生效，目标为 * 时对所有目标生效
type PermissionPolicy struct {
	ID            string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID      string           `json:"tenant_id" gorm:"not null;size:64;uniqueIndex:idx_policy_key"`
	Identity      string           `json:"identity" gorm:"not null;size:128;uniqueIndex:idx_policy_key"`
	TargetID      string           `json:"target_id" gorm:"not null;size:64;uniqueIndex:idx_policy_key"`
	AllowedTables JSONBStringArray `json:"allowed_tables" gorm:"type:jsonb"`
	DeniedTables  JSONBStringArray `json:"denied_tables" gorm:"type:jsonb"`
	DeniedFields  JSONBStringArray `json:"denied_fields" gorm:"type:jsonb"`
	AllowedIPs    JSONBStringArray `json:"allowed_ips" gorm:"type:jsonb"`
	AllowedHours  JSONBIntArray    `json:"allowed_hours" gorm:"type:jsonb"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// BeforeCreate 创建前钩子
func (p *PermissionPolicy) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
