/*
 * @module api/controllers/target_controller
 * @description 推送目标与路由规则管理接口
 * @architecture 分层架构 - 控制器层
 * @documentReference ai_docs/push_design.md
 * @stateFlow HTTP请求 -> 身份解析 -> 参数解析 -> Registry -> 响应
 * @rules
 *   - 所有操作限定在调用方租户内
 *   - 返回的连接配置中敏感字段已脱敏
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/push_target/registry.go, service/push_target/routes.go
 */

package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"datapush-service/service/models"
	"datapush-service/service/push_target"
)

// TargetController 推送目标控制器
type TargetController struct {
	registry *push_target.Registry
}

// NewTargetController 创建推送目标控制器
func NewTargetController(registry *push_target.Registry) *TargetController {
	return &TargetController{registry: registry}
}

// CreateTargetRequest 创建推送目标请求
type CreateTargetRequest struct {
	Name              string       `json:"name"`
	TargetType        string       `json:"target_type"`
	ConnectionConfig  models.JSONB `json:"connection_config"`
	FormatConfig      models.JSONB `json:"format_config"`
	RetryConfig       models.JSONB `json:"retry_config"`
	RoutingConfig     models.JSONB `json:"routing_config"`
	HealthCheckConfig models.JSONB `json:"health_check_config"`
	Enabled           *bool        `json:"enabled"`
	Priority          int          `json:"priority"`
	Weight            int          `json:"weight"`
}

// CreateTarget 创建推送目标
func (c *TargetController) CreateTarget(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "创建推送目标失败", err)
		return
	}
	var req CreateTargetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	target := &models.PushTarget{
		TenantID:          caller.TenantID,
		Name:              req.Name,
		TargetType:        req.TargetType,
		ConnectionConfig:  req.ConnectionConfig,
		FormatConfig:      req.FormatConfig,
		RetryConfig:       req.RetryConfig,
		RoutingConfig:     req.RoutingConfig,
		HealthCheckConfig: req.HealthCheckConfig,
		Enabled:           req.Enabled == nil || *req.Enabled,
		Priority:          req.Priority,
		Weight:            req.Weight,
		CreatedBy:         caller.ID,
	}
	created, err := c.registry.CreateTarget(r.Context(), actorOf(caller), target)
	if err != nil {
		respondError(w, r, "创建推送目标失败", err)
		return
	}
	respondCreated(w, r, "创建推送目标成功", created)
}

// ListTargets 查询推送目标，支持 target_type 与 enabled_only 过滤
func (c *TargetController) ListTargets(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取推送目标列表失败", err)
		return
	}
	filter := push_target.TargetFilter{
		TargetType:  r.URL.Query().Get("target_type"),
		EnabledOnly: r.URL.Query().Get("enabled_only") == "true",
	}
	targets, err := c.registry.ListTargets(r.Context(), caller.TenantID, filter)
	if err != nil {
		respondError(w, r, "获取推送目标列表失败", err)
		return
	}
	respondOK(w, r, "获取推送目标列表成功", targets)
}

// GetTarget 查询推送目标详情
func (c *TargetController) GetTarget(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取推送目标失败", err)
		return
	}
	target, err := c.registry.GetTarget(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "获取推送目标失败", err)
		return
	}
	respondOK(w, r, "获取推送目标成功", target)
}

// UpdateTarget 部分更新推送目标
func (c *TargetController) UpdateTarget(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "更新推送目标失败", err)
		return
	}
	var upd push_target.TargetUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	target, err := c.registry.UpdateTarget(r.Context(), actorOf(caller), caller.TenantID, chi.URLParam(r, "id"), upd)
	if err != nil {
		respondError(w, r, "更新推送目标失败", err)
		return
	}
	respondOK(w, r, "更新推送目标成功", target)
}

// DeleteTarget 删除推送目标
func (c *TargetController) DeleteTarget(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "删除推送目标失败", err)
		return
	}
	if err := c.registry.DeleteTarget(r.Context(), actorOf(caller), caller.TenantID, chi.URLParam(r, "id")); err != nil {
		respondError(w, r, "删除推送目标失败", err)
		return
	}
	respondOK(w, r, "删除推送目标成功", nil)
}

// RunHealthChecks 立即对租户全部目标执行健康检查
func (c *TargetController) RunHealthChecks(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "健康检查失败", err)
		return
	}
	results, err := c.registry.RunHealthChecks(r.Context(), caller.TenantID)
	if err != nil {
		respondError(w, r, "健康检查失败", err)
		return
	}
	respondOK(w, r, "健康检查完成", results)
}

// CreateRoute 创建路由规则
func (c *TargetController) CreateRoute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "创建路由规则失败", err)
		return
	}
	var route models.PushRoute
	if !decodeJSON(w, r, &route) {
		return
	}
	route.ID = ""
	route.TenantID = caller.TenantID
	created, err := c.registry.CreateRoute(r.Context(), actorOf(caller), &route)
	if err != nil {
		respondError(w, r, "创建路由规则失败", err)
		return
	}
	respondCreated(w, r, "创建路由规则成功", created)
}

// ListRoutes 查询路由规则
func (c *TargetController) ListRoutes(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取路由规则失败", err)
		return
	}
	routes, err := c.registry.ListRoutes(r.Context(), caller.TenantID)
	if err != nil {
		respondError(w, r, "获取路由规则失败", err)
		return
	}
	respondOK(w, r, "获取路由规则成功", routes)
}

// GetRoute 查询路由规则详情
func (c *TargetController) GetRoute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取路由规则失败", err)
		return
	}
	route, err := c.registry.GetRoute(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "获取路由规则失败", err)
		return
	}
	respondOK(w, r, "获取路由规则成功", route)
}

// UpdateRoute 整体替换路由规则
func (c *TargetController) UpdateRoute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "更新路由规则失败", err)
		return
	}
	var route models.PushRoute
	if !decodeJSON(w, r, &route) {
		return
	}
	updated, err := c.registry.UpdateRoute(r.Context(), actorOf(caller), caller.TenantID, chi.URLParam(r, "id"), &route)
	if err != nil {
		respondError(w, r, "更新路由规则失败", err)
		return
	}
	respondOK(w, r, "更新路由规则成功", updated)
}

// DeleteRoute 删除路由规则
func (c *TargetController) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "删除路由规则失败", err)
		return
	}
	if err := c.registry.DeleteRoute(r.Context(), actorOf(caller), caller.TenantID, chi.URLParam(r, "id")); err != nil {
		respondError(w, r, "删除路由规则失败", err)
		return
	}
	respondOK(w, r, "删除路由规则成功", nil)
}
