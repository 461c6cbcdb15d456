/*
 * @module api/controllers/source_controller
 * @description 变更源与推送权限策略管理接口
 * @architecture 分层架构 - 控制器层
 * @documentReference ai_docs/push_design.md
 * @stateFlow HTTP请求 -> 身份解析 -> ChangeDetector / PermissionGate -> 调度器重载 -> 响应
 * @rules
 *   - 变更源增删后重新加载定时检测任务
 *   - 策略写入后立即使对应缓存失效
 * @dependencies github.com/go-chi/chi/v5
 * @refs service/change_detect/service.go, service/change_detect/permission.go, service/scheduler/scheduler_service.go
 */

package controllers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"datapush-service/service/change_detect"
	"datapush-service/service/models"
	"datapush-service/service/utils"
)

// SourceReloader 变更源变化后重新加载定时任务
type SourceReloader interface {
	ReloadSources() error
}

// SourceController 变更源与权限策略控制器
type SourceController struct {
	detector *change_detect.ChangeDetector
	gate     *change_detect.PermissionGate
	reloader SourceReloader
}

// NewSourceController 创建变更源控制器，reloader 可为 nil
func NewSourceController(detector *change_detect.ChangeDetector, gate *change_detect.PermissionGate, reloader SourceReloader) *SourceController {
	return &SourceController{detector: detector, gate: gate, reloader: reloader}
}

// CreateSourceRequest 创建变更源请求
type CreateSourceRequest struct {
	Name             string       `json:"name" validate:"required,max=255"`
	Category         string       `json:"category" validate:"required"`
	ConnectionConfig models.JSONB `json:"connection_config"`
	Tables           []string     `json:"tables"`
	ParamsConfig     models.JSONB `json:"params_config"`
	Schedule         string       `json:"schedule"`
	Enabled          *bool        `json:"enabled"`
}

// CreateSource 创建变更源
func (c *SourceController) CreateSource(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "创建变更源失败", err)
		return
	}
	var req CreateSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(w, r, "创建变更源失败", err)
		return
	}
	source, err := c.detector.CreateSource(r.Context(), &models.ChangeSource{
		TenantID:         caller.TenantID,
		Name:             req.Name,
		Category:         req.Category,
		ConnectionConfig: req.ConnectionConfig,
		Tables:           req.Tables,
		ParamsConfig:     req.ParamsConfig,
		Schedule:         req.Schedule,
		Enabled:          req.Enabled == nil || *req.Enabled,
	})
	if err != nil {
		respondError(w, r, "创建变更源失败", err)
		return
	}
	c.reload()
	respondCreated(w, r, "创建变更源成功", source)
}

// ListSources 查询变更源
func (c *SourceController) ListSources(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取变更源失败", err)
		return
	}
	sources, err := c.detector.ListSources(r.Context(), caller.TenantID)
	if err != nil {
		respondError(w, r, "获取变更源失败", err)
		return
	}
	respondOK(w, r, "获取变更源成功", sources)
}

// GetSource 查询变更源详情
func (c *SourceController) GetSource(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取变更源失败", err)
		return
	}
	source, err := c.detector.GetSource(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "获取变更源失败", err)
		return
	}
	respondOK(w, r, "获取变更源成功", source)
}

// DeleteSource 删除变更源
func (c *SourceController) DeleteSource(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "删除变更源失败", err)
		return
	}
	if err := c.detector.DeleteSource(r.Context(), caller.TenantID, chi.URLParam(r, "id")); err != nil {
		respondError(w, r, "删除变更源失败", err)
		return
	}
	c.reload()
	respondOK(w, r, "删除变更源成功", nil)
}

// ListExecutions 查询变更源最近的检测执行记录，limit 默认 20
func (c *SourceController) ListExecutions(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取检测记录失败", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	sourceID := chi.URLParam(r, "id")
	if _, err := c.detector.GetSource(r.Context(), caller.TenantID, sourceID); err != nil {
		respondError(w, r, "获取检测记录失败", err)
		return
	}
	execs, err := c.detector.ListExecutions(r.Context(), caller.TenantID, sourceID, limit)
	if err != nil {
		respondError(w, r, "获取检测记录失败", err)
		return
	}
	respondOK(w, r, "获取检测记录成功", execs)
}

// ListCategories 已注册的变更源类别
func (c *SourceController) ListCategories(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, "获取变更源类别成功", c.detector.Registry().Categories())
}

func (c *SourceController) reload() {
	if c.reloader == nil {
		return
	}
	if err := c.reloader.ReloadSources(); err != nil {
		slog.Error("重新加载定时检测任务失败", "error", err)
	}
}

// === 权限策略 ===

// SavePolicy 新增或覆盖权限策略
func (c *SourceController) SavePolicy(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "保存权限策略失败", err)
		return
	}
	var policy models.PermissionPolicy
	if !decodeJSON(w, r, &policy) {
		return
	}
	policy.ID = ""
	policy.TenantID = caller.TenantID
	if err := c.gate.SavePolicy(r.Context(), actorOf(caller), &policy); err != nil {
		respondError(w, r, "保存权限策略失败", err)
		return
	}
	respondOK(w, r, "保存权限策略成功", policy)
}

// ListPolicies 查询权限策略
func (c *SourceController) ListPolicies(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取权限策略失败", err)
		return
	}
	policies, err := c.gate.ListPolicies(r.Context(), caller.TenantID)
	if err != nil {
		respondError(w, r, "获取权限策略失败", err)
		return
	}
	respondOK(w, r, "获取权限策略成功", policies)
}

// DeletePolicy 删除权限策略
func (c *SourceController) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "删除权限策略失败", err)
		return
	}
	identity, targetID := chi.URLParam(r, "identity"), chi.URLParam(r, "targetID")
	if err := c.gate.DeletePolicy(r.Context(), actorOf(caller), caller.TenantID, identity, targetID); err != nil {
		respondError(w, r, "删除权限策略失败", err)
		return
	}
	respondOK(w, r, "删除权限策略成功", nil)
}

// InvalidatePolicy 仅使策略缓存失效
func (c *SourceController) InvalidatePolicy(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "刷新权限策略缓存失败", err)
		return
	}
	identity, targetID := chi.URLParam(r, "identity"), chi.URLParam(r, "targetID")
	c.gate.InvalidatePolicy(r.Context(), actorOf(caller), caller.TenantID, identity, targetID)
	respondOK(w, r, "刷新权限策略缓存成功", nil)
}
