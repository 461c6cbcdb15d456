/*
 * @module api/controllers/push_controller
 * @description 推送执行接口：变更检测预览、执行推送、重新校验与结果查询
 * @architecture 分层架构 - 控制器层
 * @documentReference ai_docs/push_design.md
 * @stateFlow HTTP请求 -> 身份解析 -> 参数校验 -> Pipeline -> 响应
 * @rules
 *   - 请求必须提供 source_id 或 changes 之一
 *   - 推送结果只对所属租户可见
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/push_pipeline/pipeline.go
 */

package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"datapush-service/monitor_client"
	"datapush-service/service/change_detect"
	"datapush-service/service/models"
	"datapush-service/service/push_pipeline"
	"datapush-service/service/push_router"
	"datapush-service/service/utils"
	"datapush-service/service/verification"
)

// PushController 推送执行控制器
type PushController struct {
	pipeline      *push_pipeline.Pipeline
	detector      *change_detect.ChangeDetector
	results       *push_router.GormResultStore
	verifications verification.ResultStore
	rollbacks     *verification.RollbackManager
	monitor       *monitor_client.Client
	logSelector   string
}

// NewPushController 创建推送执行控制器，logSelector 为 Loki 中本服务日志流的选择器
func NewPushController(pipeline *push_pipeline.Pipeline, detector *change_detect.ChangeDetector, results *push_router.GormResultStore, verifications verification.ResultStore, rollbacks *verification.RollbackManager, monitor *monitor_client.Client, logSelector string) *PushController {
	return &PushController{
		pipeline:      pipeline,
		detector:      detector,
		results:       results,
		verifications: verifications,
		rollbacks:     rollbacks,
		monitor:       monitor,
		logSelector:   logSelector,
	}
}

// ConfirmationOptions 确认方式
type ConfirmationOptions struct {
	ConfirmationType      string   `json:"confirmation_type" validate:"omitempty,oneof=auto manual delayed"`
	RequiredVerifications []string `json:"required_verifications"`
	TimeoutSeconds        int      `json:"timeout_seconds" validate:"gte=0"`
	DelaySeconds          int      `json:"delay_seconds" validate:"gte=0"`
}

// ExecutePushRequest 执行推送请求
type ExecutePushRequest struct {
	SourceID         string                `json:"source_id"`
	Since            *time.Time            `json:"since"`
	Changes          []models.ChangeRecord `json:"changes"`
	PermissionTarget string                `json:"permission_target"`
	Priority         int                   `json:"priority" validate:"gte=0"`
	RuleIDs          []string              `json:"rule_ids"`
	Confirmation     *ConfirmationOptions  `json:"confirmation"`
	RollbackStrategy string                `json:"rollback_strategy" validate:"omitempty,oneof=compensating_transaction restore_backup manual"`
	AutoRollback     bool                  `json:"auto_rollback"`
}

// DetectRequest 变更检测预览请求
type DetectRequest struct {
	SourceID string     `json:"source_id" validate:"required"`
	Since    *time.Time `json:"since"`
}

// VerifyRequest 重新校验请求
type VerifyRequest struct {
	RuleIDs []string `json:"rule_ids"`
}

// PushDetail 推送详情
type PushDetail struct {
	PushID        string                      `json:"push_id"`
	Results       []models.PushResult         `json:"results"`
	Verifications []models.VerificationResult `json:"verifications"`
	Rollbacks     []models.RollbackPlan       `json:"rollbacks"`
}

// Detect 检测变更但不推送，也不推进检查点
func (c *PushController) Detect(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "变更检测失败", err)
		return
	}
	var req DetectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(w, r, "变更检测失败", err)
		return
	}
	changes, err := c.detector.DetectChanges(r.Context(), caller.TenantID, req.SourceID, req.Since)
	if err != nil {
		respondError(w, r, "变更检测失败", err)
		return
	}
	respondOK(w, r, "变更检测完成", map[string]interface{}{
		"source_id": req.SourceID,
		"count":     len(changes),
		"changes":   changes,
	})
}

// Execute 执行一次推送
func (c *PushController) Execute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "执行推送失败", err)
		return
	}
	var req ExecutePushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(w, r, "执行推送失败", err)
		return
	}
	if req.SourceID == "" && len(req.Changes) == 0 {
		respondBadRequest(w, r, "必须提供 source_id 或 changes")
		return
	}
	for i := range req.Changes {
		if req.Changes[i].Checksum == "" {
			req.Changes[i].Checksum = req.Changes[i].ComputeChecksum()
		}
	}

	preq := &push_pipeline.Request{
		TenantID:         caller.TenantID,
		SourceID:         req.SourceID,
		Since:            req.Since,
		Changes:          req.Changes,
		Identity:         change_detect.Identity{ID: caller.ID, IP: caller.IP},
		PermissionTarget: req.PermissionTarget,
		Priority:         req.Priority,
		RuleIDs:          req.RuleIDs,
		ConfirmedBy:      caller.ID,
		RollbackStrategy: req.RollbackStrategy,
		AutoRollback:     req.AutoRollback,
	}
	if o := req.Confirmation; o != nil {
		preq.Confirmation = &verification.ConfirmationRequest{
			ConfirmationType:      o.ConfirmationType,
			RequiredVerifications: o.RequiredVerifications,
			Timeout:               time.Duration(o.TimeoutSeconds) * time.Second,
			Delay:                 time.Duration(o.DelaySeconds) * time.Second,
		}
	}

	res, err := c.pipeline.Run(r.Context(), preq)
	if err != nil {
		respondErrorData(w, r, "执行推送失败", err, res)
		return
	}
	respondOK(w, r, "推送执行完成", res)
}

// Verify 对最近的推送重新执行校验
func (c *PushController) Verify(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "推送校验失败", err)
		return
	}
	var req VerifyRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	pushID := chi.URLParam(r, "id")
	results, err := c.tenantResults(r.Context(), caller.TenantID, pushID)
	if err != nil {
		respondError(w, r, "推送校验失败", err)
		return
	}
	verified, err := c.pipeline.Reverify(r.Context(), caller.TenantID, pushID, results, req.RuleIDs)
	if err != nil {
		respondError(w, r, "推送校验失败", err)
		return
	}
	respondOK(w, r, "推送校验完成", verified)
}

// GetResults 查询推送在各目标上的结果、校验结果与回滚计划
func (c *PushController) GetResults(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取推送结果失败", err)
		return
	}
	pushID := chi.URLParam(r, "id")
	results, err := c.tenantResults(r.Context(), caller.TenantID, pushID)
	if err != nil {
		respondError(w, r, "获取推送结果失败", err)
		return
	}
	verified, err := c.verifications.ListByPush(r.Context(), pushID)
	if err != nil {
		respondError(w, r, "获取推送结果失败", err)
		return
	}
	plans, err := c.rollbacks.ListRollbackPlans(r.Context(), pushID)
	if err != nil {
		respondError(w, r, "获取推送结果失败", err)
		return
	}
	respondOK(w, r, "获取推送结果成功", PushDetail{
		PushID:        pushID,
		Results:       results,
		Verifications: verified,
		Rollbacks:     plans,
	})
}

// GetLogs 从 Loki 查询推送相关日志，hours 为推送创建后的查询窗口，默认1小时
func (c *PushController) GetLogs(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取推送日志失败", err)
		return
	}
	pushID := chi.URLParam(r, "id")
	results, err := c.tenantResults(r.Context(), caller.TenantID, pushID)
	if err != nil {
		respondError(w, r, "获取推送日志失败", err)
		return
	}
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 || hours > 24 {
		hours = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	start := results[0].Timestamp.Add(-time.Minute)
	entries, err := c.monitor.PushLogs(r.Context(), c.logSelector, pushID, limit, start, start.Add(time.Duration(hours)*time.Hour))
	if err != nil {
		respondError(w, r, "获取推送日志失败", err)
		return
	}
	respondOK(w, r, "获取推送日志成功", entries)
}

// tenantResults 查询推送结果，推送不存在或不属于该租户时返回 ErrPushNotFound
func (c *PushController) tenantResults(ctx context.Context, tenantID, pushID string) ([]models.PushResult, error) {
	results, err := c.results.ListByPush(ctx, pushID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].TenantID != tenantID {
		return nil, push_pipeline.ErrPushNotFound
	}
	return results, nil
}
