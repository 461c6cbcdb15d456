/*
 * @module service/models/push_route
 * @description 推送路由模型：匹配条件与负载均衡目标组
 * @architecture 分层架构 - 数据模型层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 路由按优先级降序评估，首个完全匹配的路由生效
 * @rules 条件为空表示不限制；时间窗口按小时计，支持跨零点
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/push_target/selector.go
 */

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PushRoute 推送路由
type PushRoute struct {
	ID           string              `json:"route_id" gorm:"primaryKey;type:varchar(36)"`
	TenantID     string              `json:"tenant_id" gorm:"not null;size:64;index"`
	Name         string              `json:"name" gorm:"size:255"`
	Conditions   RouteConditions     `json:"conditions" gorm:"type:jsonb"`
	TargetGroups LoadBalancingGroups `json:"target_groups" gorm:"type:jsonb" validate:"required,min=1,dive"`
	Priority     int                 `json:"priority" gorm:"not null"`
	Enabled      bool                `json:"enabled" gorm:"not null"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// BeforeCreate 创建前钩子
func (r *PushRoute) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// HourWindow 小时窗口 [StartHour, EndHour)，StartHour > EndHour 时跨零点
type HourWindow struct {
	StartHour int `json:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int `json:"end_hour" validate:"gte=0,lte=24"`
}

// Contains 判断小时是否落在窗口内
func (w HourWindow) Contains(hour int) bool {
	if w.StartHour == w.EndHour {
		return true
	}
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// RouteConditions 路由匹配条件
type RouteConditions struct {
	Tables      []string     `json:"tables,omitempty"`
	Operations  []string     `json:"operations,omitempty"`
	MaxDataSize int64        `json:"max_data_size,omitempty"`
	TimeWindows []HourWindow `json:"time_windows,omitempty"`
}

// Scan 实现 sql.Scanner 接口
func (c *RouteConditions) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// Value 实现 driver.Valuer 接口
func (c RouteConditions) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// LoadBalancingStrategy 负载均衡目标组
type LoadBalancingStrategy struct {
	Strategy                string   `json:"strategy" validate:"required,oneof=round_robin weighted least_connections random priority"`
	Targets                 []string `json:"targets" validate:"required,min=1"`
	HealthCheckEnabled      bool     `json:"health_check_enabled"`
	FailoverEnabled         bool     `json:"failover_enabled"`
	CircuitBreakerEnabled   bool     `json:"circuit_breaker_enabled"`
	CircuitBreakerThreshold int      `json:"circuit_breaker_threshold"`
}

// LoadBalancingGroups 目标组列表，以JSON存储
type LoadBalancingGroups []LoadBalancingStrategy

// Scan 实现 sql.Scanner 接口
func (g *LoadBalancingGroups) Scan(value interface{}) error {
	return scanJSON(value, g)
}

// Value 实现 driver.Valuer 接口
func (g LoadBalancingGroups) Value() (driver.Value, error) {
	if g == nil {
		return "[]", nil
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
