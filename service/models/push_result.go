package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PushResult 一次推送在单个目标上的结果
type PushResult struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PushID           string    `json:"push_id" gorm:"not null;size:36;index"`
	TenantID         string    `json:"tenant_id" gorm:"size:64;index"`
	TargetID         string    `json:"target_id" gorm:"not null;size:36;index"`
	RouteID          string    `json:"route_id,omitempty" gorm:"size:36"`
	Status           string    `json:"status" gorm:"not null;size:20"` // success, failed, partial, timeout
	RecordsPushed    int       `json:"records_pushed"`
	RecordsFailed    int       `json:"records_failed"`
	BytesTransferred int64     `json:"bytes_transferred"`
	ExecutionTimeMs  int64     `json:"execution_time_ms"`
	RetryCount       int       `json:"retry_count"`
	ErrorMessage     string    `json:"error_message,omitempty" gorm:"type:text"`
	TargetChecksum   string    `json:"target_checksum,omitempty" gorm:"size:128"` // 目标端回报的校验和
	Timestamp        time.Time `json:"timestamp"`
}

// BeforeCreate 创建前钩子
func (r *PushResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// Succeeded 是否推送成功
func (r *PushResult) Succeeded() bool {
	return r.Status == "success"
}
