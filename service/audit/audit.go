/*
 * @module service/audit/audit
 * @description 审计记录写入，供目标管理、推送执行、确认与回滚使用
 * @architecture 分层架构 - 基础设施层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 业务操作完成 -> 组装审计条目 -> 持久化
 * @rules 审计写入失败只记录日志，不影响业务结果
 * @dependencies gorm.io/gorm
 * @refs service/models/audit_log.go
 */

package audit

import (
	"context"
	"log/slog"

	"datapush-service/service/meta"
	"datapush-service/service/models"

	"gorm.io/gorm"
)

// 审计动作
const (
	ActionTargetCreate      = "target.create"
	ActionTargetUpdate      = "target.update"
	ActionTargetDelete      = "target.delete"
	ActionRouteCreate       = "route.create"
	ActionRouteUpdate       = "route.update"
	ActionRouteDelete       = "route.delete"
	ActionPushExecute       = "push.execute"
	ActionConfirmation      = "push.confirmation"
	ActionRollbackPlan      = "rollback.plan"
	ActionRollbackExecute   = "rollback.execute"
	ActionPermissionDenied  = "push.permission_denied"
	ActionPolicyInvalidated = "policy.invalidate"
)

// Actor 操作者
type Actor struct {
	Type string
	ID   string
}

// SystemActor 系统内部操作者
func SystemActor() Actor {
	return Actor{Type: meta.ActorTypeSystem, ID: "system"}
}

// UserActor 用户操作者
func UserActor(id string) Actor {
	return Actor{Type: meta.ActorTypeUser, ID: id}
}

// Entry 审计条目
type Entry struct {
	TenantID     string
	Action       string
	ActorType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	Success      bool
	ErrorMessage string
}

// Sink 审计接收方
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// GormSink 基于数据库的审计写入
type GormSink struct {
	db *gorm.DB
}

// NewGormSink 创建数据库审计写入
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

// Record 写入审计记录
func (s *GormSink) Record(ctx context.Context, entry Entry) {
	if entry.ActorType == "" {
		entry.ActorType = meta.ActorTypeSystem
	}
	row := &models.AuditLog{
		TenantID:      entry.TenantID,
		Action:        entry.Action,
		ActorType:     entry.ActorType,
		ActorID:       entry.ActorID,
		ResourceType:  entry.ResourceType,
		ResourceID:    entry.ResourceID,
		ActionDetails: models.JSONB(entry.Details),
		Success:       entry.Success,
		ErrorMessage:  entry.ErrorMessage,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		slog.Error("写入审计记录失败", "action", entry.Action, "resource_id", entry.ResourceID, "error", err)
	}
}

// Nop 丢弃所有审计记录
type Nop struct{}

// Record 空实现
func (Nop) Record(context.Context, Entry) {}

// ErrString 错误转字符串，nil 返回空串
func ErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
