/*
 * @module api/controllers/verification_controller
 * @description 校验规则管理、推送确认与回滚计划接口
 * @architecture 分层架构 - 控制器层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 规则CRUD；确认: pending/verifying -> confirmed/rejected；回滚: planned -> executing -> completed/failed
 * @rules
 *   - 人工确认以调用方身份作为确认人
 *   - 回滚只对 rejected/timeout 状态的推送开放
 * @dependencies github.com/go-chi/chi/v5
 * @refs service/verification/verifier.go, service/verification/confirmation.go, service/verification/rollback.go
 */

package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"datapush-service/service/models"
	"datapush-service/service/push_pipeline"
	"datapush-service/service/push_router"
	"datapush-service/service/utils"
	"datapush-service/service/verification"
)

// VerificationController 校验、确认与回滚控制器
type VerificationController struct {
	verifier      *verification.Verifier
	verifications verification.ResultStore
	confirmer     *verification.Confirmer
	rollbacks     *verification.RollbackManager
	pipeline      *push_pipeline.Pipeline
	results       *push_router.GormResultStore
}

// VerificationDeps 控制器依赖
type VerificationDeps struct {
	Verifier      *verification.Verifier
	Verifications verification.ResultStore
	Confirmer     *verification.Confirmer
	Rollbacks     *verification.RollbackManager
	Pipeline      *push_pipeline.Pipeline
	Results       *push_router.GormResultStore
}

// NewVerificationController 创建校验控制器
func NewVerificationController(deps VerificationDeps) *VerificationController {
	return &VerificationController{
		verifier:      deps.Verifier,
		verifications: deps.Verifications,
		confirmer:     deps.Confirmer,
		rollbacks:     deps.Rollbacks,
		pipeline:      deps.Pipeline,
		results:       deps.Results,
	}
}

// === 校验规则 ===

// CreateRule 创建校验规则
func (c *VerificationController) CreateRule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "创建校验规则失败", err)
		return
	}
	var rule models.VerificationRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.ID = ""
	rule.TenantID = caller.TenantID
	created, err := c.verifier.CreateRule(r.Context(), &rule)
	if err != nil {
		respondError(w, r, "创建校验规则失败", err)
		return
	}
	respondCreated(w, r, "创建校验规则成功", created)
}

// ListRules 查询校验规则
func (c *VerificationController) ListRules(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取校验规则失败", err)
		return
	}
	rules, err := c.verifier.ListRules(r.Context(), caller.TenantID, r.URL.Query().Get("enabled_only") == "true")
	if err != nil {
		respondError(w, r, "获取校验规则失败", err)
		return
	}
	respondOK(w, r, "获取校验规则成功", rules)
}

// GetRule 查询校验规则详情
func (c *VerificationController) GetRule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取校验规则失败", err)
		return
	}
	rule, err := c.verifier.GetRule(r.Context(), caller.TenantID, chi.URLParam(r, "ruleID"))
	if err != nil {
		respondError(w, r, "获取校验规则失败", err)
		return
	}
	respondOK(w, r, "获取校验规则成功", rule)
}

// UpdateRule 更新校验规则
func (c *VerificationController) UpdateRule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "更新校验规则失败", err)
		return
	}
	var rule models.VerificationRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	updated, err := c.verifier.UpdateRule(r.Context(), caller.TenantID, chi.URLParam(r, "ruleID"), &rule)
	if err != nil {
		respondError(w, r, "更新校验规则失败", err)
		return
	}
	respondOK(w, r, "更新校验规则成功", updated)
}

// DeleteRule 删除校验规则
func (c *VerificationController) DeleteRule(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "删除校验规则失败", err)
		return
	}
	if err := c.verifier.DeleteRule(r.Context(), caller.TenantID, chi.URLParam(r, "ruleID")); err != nil {
		respondError(w, r, "删除校验规则失败", err)
		return
	}
	respondOK(w, r, "删除校验规则成功", nil)
}

// === 推送确认 ===

// ConfirmRequest 人工确认请求
type ConfirmRequest struct {
	ConfirmedBy string `json:"confirmed_by"`
}

// GetConfirmation 查询推送确认状态
func (c *VerificationController) GetConfirmation(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取确认状态失败", err)
		return
	}
	rec, err := c.tenantConfirmation(r, caller.TenantID)
	if err != nil {
		respondError(w, r, "获取确认状态失败", err)
		return
	}
	respondOK(w, r, "获取确认状态成功", rec)
}

// Confirm 使用已有校验结果处理确认
func (c *VerificationController) Confirm(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "处理推送确认失败", err)
		return
	}
	var req ConfirmRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	rec, err := c.tenantConfirmation(r, caller.TenantID)
	if err != nil {
		respondError(w, r, "处理推送确认失败", err)
		return
	}
	verified, err := c.verifications.ListByPush(r.Context(), rec.PushID)
	if err != nil {
		respondError(w, r, "处理推送确认失败", err)
		return
	}
	confirmedBy := req.ConfirmedBy
	if confirmedBy == "" {
		confirmedBy = caller.ID
	}
	result, err := c.confirmer.ProcessConfirmation(r.Context(), rec.PushID, verified, confirmedBy)
	if err != nil {
		respondError(w, r, "处理推送确认失败", err)
		return
	}
	respondOK(w, r, "处理推送确认成功", result)
}

func (c *VerificationController) tenantConfirmation(r *http.Request, tenantID string) (*models.ConfirmationRecord, error) {
	rec, err := c.confirmer.GetConfirmation(r.Context(), chi.URLParam(r, "pushID"))
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, verification.ErrConfirmationNotFound
	}
	return rec, nil
}

// === 回滚计划 ===

// CreateRollbackRequest 创建回滚计划请求
type CreateRollbackRequest struct {
	PushID   string `json:"push_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required"`
	Strategy string `json:"strategy" validate:"omitempty,oneof=compensating_transaction restore_backup manual"`
}

// CreateRollback 为推送在某目标上的最新结果生成回滚计划
func (c *VerificationController) CreateRollback(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "创建回滚计划失败", err)
		return
	}
	var req CreateRollbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(w, r, "创建回滚计划失败", err)
		return
	}
	result, err := c.results.Latest(r.Context(), req.PushID, req.TargetID)
	if err != nil {
		respondError(w, r, "创建回滚计划失败", err)
		return
	}
	if result == nil || result.TenantID != caller.TenantID {
		respondError(w, r, "创建回滚计划失败", push_pipeline.ErrPushNotFound)
		return
	}
	plan, err := c.pipeline.PlanRollback(r.Context(), actorOf(caller), caller.TenantID, result, req.Strategy)
	if err != nil {
		respondError(w, r, "创建回滚计划失败", err)
		return
	}
	respondCreated(w, r, "创建回滚计划成功", plan)
}

// GetRollback 查询回滚计划
func (c *VerificationController) GetRollback(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取回滚计划失败", err)
		return
	}
	plan, err := c.tenantRollback(r, caller.TenantID)
	if err != nil {
		respondError(w, r, "获取回滚计划失败", err)
		return
	}
	respondOK(w, r, "获取回滚计划成功", plan)
}

// ListRollbacks 查询推送的全部回滚计划
func (c *VerificationController) ListRollbacks(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取回滚计划失败", err)
		return
	}
	plans, err := c.rollbacks.ListRollbackPlans(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, "获取回滚计划失败", err)
		return
	}
	owned := make([]models.RollbackPlan, 0, len(plans))
	for _, p := range plans {
		if p.TenantID == caller.TenantID {
			owned = append(owned, p)
		}
	}
	respondOK(w, r, "获取回滚计划成功", owned)
}

// ExecuteRollback 执行回滚计划
func (c *VerificationController) ExecuteRollback(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "执行回滚失败", err)
		return
	}
	plan, err := c.tenantRollback(r, caller.TenantID)
	if err != nil {
		respondError(w, r, "执行回滚失败", err)
		return
	}
	executed, err := c.rollbacks.ExecuteRollback(r.Context(), actorOf(caller), plan.ID)
	if err != nil {
		respondErrorData(w, r, "执行回滚失败", err, executed)
		return
	}
	respondOK(w, r, "执行回滚成功", executed)
}

func (c *VerificationController) tenantRollback(r *http.Request, tenantID string) (*models.RollbackPlan, error) {
	plan, err := c.rollbacks.GetRollbackPlan(r.Context(), chi.URLParam(r, "rollbackID"))
	if err != nil {
		return nil, err
	}
	if plan.TenantID != tenantID {
		return nil, verification.ErrRollbackNotFound
	}
	return plan, nil
}
