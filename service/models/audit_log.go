package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog 审计记录
type AuditLog struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID      string    `json:"tenant_id" gorm:"size:64;index"`
	Action        string    `json:"action" gorm:"not null;size:64;index"`
	ActorType     string    `json:"actor_type" gorm:"not null;size:20"` // user, system
	ActorID       string    `json:"actor_id" gorm:"size:128"`
	ResourceType  string    `json:"resource_type" gorm:"size:50"`
	ResourceID    string    `json:"resource_id" gorm:"size:64"`
	ActionDetails JSONB     `json:"action_details" gorm:"type:jsonb"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
}

// BeforeCreate 创建前钩子
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}
