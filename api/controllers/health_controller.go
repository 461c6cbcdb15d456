/*
 * @module api/controllers/health_controller
 * @description 健康检查控制器，提供服务存活与就绪状态检查
 * @architecture MVC架构 - 控制器层
 * @documentReference ai_docs/push_design.md
 * @stateFlow HTTP请求处理流程
 * @rules 就绪检查需要数据库可用，用于容器健康检查和负载均衡
 * @dependencies gorm.io/gorm, github.com/go-chi/render
 * @refs api/routes.go
 */

package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
	"gorm.io/gorm"
)

const serviceName = "datapush-service"

// HealthController 健康检查控制器
type HealthController struct {
	db *gorm.DB
}

// NewHealthController 创建健康检查控制器实例
func NewHealthController(db *gorm.DB) *HealthController {
	return &HealthController{db: db}
}

// HealthResponse 健康检查响应结构
type HealthResponse struct {
	Status    string    `json:"status" example:"ok"`
	Timestamp time.Time `json:"timestamp" example:"2024-01-01T00:00:00Z"`
	Version   string    `json:"version" example:"1.0.0"`
	Service   string    `json:"service" example:"datapush-service"`
	Error     string    `json:"error,omitempty"`
}

// Health 健康检查
func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Service:   serviceName,
	})
}

// Ready 就绪检查，数据库不可用时返回 503
func (c *HealthController) Ready(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Service:   serviceName,
	}

	sqlDB, err := c.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		response.Status = "not_ready"
		response.Error = err.Error()
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, response)
}
