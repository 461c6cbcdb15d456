/*
 * @module service/database/migrate
 * @description 数据库迁移模块，负责创建和更新推送相关表结构
 * @architecture 数据访问层 - 迁移管理
 * @documentReference ai_docs/push_design.md
 * @stateFlow 应用启动时执行数据库迁移
 * @rules 确保数据库结构与模型定义保持一致
 * @dependencies datapush-service/service/models, gorm.io/gorm
 * @refs service/init.go, testutil/test_helper.go
 */

package database

import (
	"log/slog"

	"gorm.io/gorm"

	"datapush-service/service/meta"
	"datapush-service/service/models"
)

// PushModels 推送子系统全部持久化模型
func PushModels() []interface{} {
	return []interface{}{
		// 目标与路由
		&models.PushTarget{},
		&models.PushRoute{},
		// 变更源、检查点与权限
		&models.ChangeSource{},
		&models.PushExecution{},
		&models.PermissionPolicy{},
		// 推送结果、校验、确认与回滚
		&models.PushResult{},
		&models.VerificationRule{},
		&models.VerificationResult{},
		&models.ConfirmationRecord{},
		&models.RollbackPlan{},
		// 审计
		&models.AuditLog{},
	}
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB) error {
	slog.Info("开始数据库迁移...")
	if err := db.AutoMigrate(PushModels()...); err != nil {
		return err
	}
	slog.Info("数据库迁移完成")
	return nil
}

// InitializeData 初始化基础数据
func InitializeData(db *gorm.DB) error {
	targetTypes := make([]string, 0, len(meta.PushTargetTypes))
	for _, t := range meta.PushTargetTypes {
		targetTypes = append(targetTypes, t.Name)
	}
	ruleTypes := make([]string, 0, len(meta.VerificationRuleTypes))
	for _, r := range meta.VerificationRuleTypes {
		ruleTypes = append(ruleTypes, r.Name)
	}

	slog.Info("支持的推送目标类型", "types", targetTypes)
	slog.Info("支持的校验规则类型", "types", ruleTypes)
	return nil
}
