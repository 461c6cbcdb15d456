/*
 * @module service/push_pipeline/pipeline
 * @description 增量推送流水线：检测 -> 权限过滤 -> 路由投递(含格式转换与重试) -> 校验 -> 确认 -> 回滚
 * @architecture 编排层 - 只组合各服务，不持有目标配置、熔断或检查点状态
 * @documentReference ai_docs/push_design.md
 * @stateFlow 检测临界区内: 变更 -> 允许变更 -> 路由决策 -> 各目标结果 -> 校验结果 -> 确认结果 -> [回滚计划 -> 回滚执行]
 * @rules
 *   - 被拒绝的变更随结果返回，不静默丢弃
 *   - 无可用目标、投递失败或超时、确认被拒绝且未完成回滚时返回错误，检测执行记为失败，检查点不前进
 *   - 确认被拒绝或超时时按请求生成回滚计划；回滚执行失败向调用方返回错误
 *   - 最近推送的变更按目标缓存，供后续重新校验和手工回滚使用
 * @dependencies github.com/google/uuid, github.com/hashicorp/golang-lru/v2/expirable
 * @refs service/change_detect, service/push_router, service/verification
 */

package push_pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"datapush-service/service/audit"
	"datapush-service/service/change_detect"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/push_router"
	"datapush-service/service/push_target"
	"datapush-service/service/verification"
)

var (
	// ErrPushNotFound 推送不在最近推送缓存中
	ErrPushNotFound = errors.New("推送记录不存在或已过期")
	// ErrPushFailed 变更未能投递到任何目标
	ErrPushFailed = errors.New("推送失败")
	// ErrPushRejected 推送未通过确认且没有完成回滚
	ErrPushRejected = errors.New("推送未通过确认")
)

// Request 一次推送请求；Changes 为空时从 SourceID 检测变更
type Request struct {
	TenantID         string                            `json:"tenant_id"`
	SourceID         string                            `json:"source_id,omitempty"`
	Since            *time.Time                        `json:"since,omitempty"`
	Changes          []models.ChangeRecord             `json:"changes,omitempty"`
	Identity         change_detect.Identity            `json:"-"`
	PermissionTarget string                            `json:"permission_target,omitempty"`
	Priority         int                               `json:"priority"`
	RuleIDs          []string                          `json:"rule_ids,omitempty"`
	Confirmation     *verification.ConfirmationRequest `json:"confirmation,omitempty"`
	ConfirmedBy      string                            `json:"confirmed_by,omitempty"`
	RollbackStrategy string                            `json:"rollback_strategy,omitempty"`
	AutoRollback     bool                              `json:"auto_rollback"`
}

// Result 一次推送的完整结果
type Result struct {
	PushID        string                       `json:"push_id"`
	Execution     *models.PushExecution        `json:"execution,omitempty"`
	Detected      int                          `json:"detected"`
	Denied        []change_detect.DeniedChange `json:"denied,omitempty"`
	Decision      *push_router.RoutingDecision `json:"decision,omitempty"`
	Outcome       *push_router.PushOutcome     `json:"outcome,omitempty"`
	Verifications []models.VerificationResult  `json:"verifications,omitempty"`
	Confirmation  *models.ConfirmationResult   `json:"confirmation,omitempty"`
	Rollbacks     []models.RollbackPlan        `json:"rollbacks,omitempty"`
}

// pushRecord 最近推送的目标与变更
type pushRecord struct {
	tenantID string
	targets  map[string]models.PushTarget
	changes  map[string][]models.ChangeRecord
}

// Options 流水线依赖
type Options struct {
	Detector     *change_detect.ChangeDetector
	Gate         *change_detect.PermissionGate
	Router       *push_router.Router
	Verifier     *verification.Verifier
	Confirmer    *verification.Confirmer
	Rollbacks    *verification.RollbackManager
	Audit        audit.Sink
	RecentPushes int
	RecentTTL    time.Duration
}

// Pipeline 增量推送流水线
type Pipeline struct {
	detector  *change_detect.ChangeDetector
	gate      *change_detect.PermissionGate
	router    *push_router.Router
	verifier  *verification.Verifier
	confirmer *verification.Confirmer
	rollbacks *verification.RollbackManager
	audit     audit.Sink
	recent    *expirable.LRU[string, *pushRecord]
}

// New 创建流水线
func New(opts Options) *Pipeline {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.RecentPushes <= 0 {
		opts.RecentPushes = 256
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = 24 * time.Hour
	}
	return &Pipeline{
		detector:  opts.Detector,
		gate:      opts.Gate,
		router:    opts.Router,
		verifier:  opts.Verifier,
		confirmer: opts.Confirmer,
		rollbacks: opts.Rollbacks,
		audit:     opts.Audit,
		recent:    expirable.NewLRU[string, *pushRecord](opts.RecentPushes, nil, opts.RecentTTL),
	}
}

// Run 执行一次推送；指定变更源时在检测临界区内完成全部步骤
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Changes) > 0 || req.SourceID == "" {
		res := &Result{Detected: len(req.Changes)}
		err := p.process(ctx, req, req.Changes, res)
		return res, err
	}

	res := &Result{}
	exec, err := p.detector.RunDetection(ctx, req.TenantID, req.SourceID, req.Since,
		func(ctx context.Context, source *models.ChangeSource, changes []models.ChangeRecord) (*change_detect.HandleResult, error) {
			res.Detected = len(changes)
			err := p.process(ctx, req, changes, res)
			allowed := res.Detected - len(res.Denied)
			return &change_detect.HandleResult{PushID: res.PushID, RecordsAllowed: allowed}, err
		})
	res.Execution = exec
	return res, err
}

func (p *Pipeline) process(ctx context.Context, req *Request, changes []models.ChangeRecord, res *Result) error {
	target := req.PermissionTarget
	if target == "" {
		target = "*"
	}
	perm, err := p.gate.ValidatePushPermissions(ctx, req.Identity, req.TenantID, changes, target)
	if err != nil {
		return err
	}
	res.Denied = perm.Denied
	if len(perm.Allowed) == 0 {
		slog.Info("没有允许推送的变更", "tenant_id", req.TenantID, "detected", len(changes), "denied", len(perm.Denied))
		return nil
	}

	pushReq := &push_router.PushRequest{
		PushID:   uuid.New().String(),
		TenantID: req.TenantID,
		Changes:  perm.Allowed,
		Priority: req.Priority,
	}
	res.PushID = pushReq.PushID
	decision, outcome, err := p.router.RouteAndExecute(ctx, pushReq)
	res.Decision, res.Outcome = decision, outcome
	p.recordPush(ctx, req, pushReq, outcome, err)
	if err != nil {
		return fmt.Errorf("路由推送失败: %w", err)
	}
	if len(outcome.Results) == 0 {
		return fmt.Errorf("%w: %w", ErrPushFailed, push_target.ErrNoTargetsAvailable)
	}

	rec := p.remember(req.TenantID, decision, perm.Allowed)
	switch outcome.Status {
	case meta.PushStatusFailed, meta.PushStatusTimeout:
		return fmt.Errorf("%w: %s", ErrPushFailed, outcome.ErrorMessage)
	}

	if res.Verifications, err = p.verify(ctx, rec, outcome.Results, req.RuleIDs); err != nil {
		return err
	}

	if res.Confirmation, err = p.confirm(ctx, req, rec, outcome.Results, res.Verifications); err != nil {
		return err
	}

	status := res.Confirmation.Status
	if status != meta.ConfirmationRejected && status != meta.ConfirmationTimeout {
		return nil
	}
	if req.AutoRollback {
		if res.Rollbacks, err = p.rollback(ctx, req, rec, outcome.Results); err != nil {
			return err
		}
		if rolledBack(res.Rollbacks) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s", ErrPushRejected, status, res.Confirmation.RejectionReason)
}

// rolledBack 所有回滚计划均已执行完成
func rolledBack(plans []models.RollbackPlan) bool {
	if len(plans) == 0 {
		return false
	}
	for _, plan := range plans {
		if plan.Status != meta.RollbackStatusCompleted {
			return false
		}
	}
	return true
}

func (p *Pipeline) recordPush(ctx context.Context, req *Request, pushReq *push_router.PushRequest, outcome *push_router.PushOutcome, err error) {
	details := map[string]interface{}{"records": len(pushReq.Changes), "source_id": req.SourceID}
	success := err == nil
	if outcome != nil {
		details["status"] = outcome.Status
		details["execution_strategy"] = outcome.ExecutionStrategy
		details["records_pushed"] = outcome.RecordsPushed
		details["records_failed"] = outcome.RecordsFailed
		success = success && outcome.Status == meta.PushStatusSuccess
	}
	errMsg := audit.ErrString(err)
	if errMsg == "" && outcome != nil {
		errMsg = outcome.ErrorMessage
	}
	actor := audit.SystemActor()
	if req.Identity.ID != "" {
		actor = audit.UserActor(req.Identity.ID)
	}
	p.audit.Record(ctx, audit.Entry{
		TenantID:     req.TenantID,
		Action:       audit.ActionPushExecute,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "push",
		ResourceID:   pushReq.PushID,
		Details:      details,
		Success:      success,
		ErrorMessage: errMsg,
	})
}

func (p *Pipeline) remember(tenantID string, decision *push_router.RoutingDecision, changes []models.ChangeRecord) *pushRecord {
	rec := &pushRecord{
		tenantID: tenantID,
		targets:  make(map[string]models.PushTarget, len(decision.Targets)),
		changes:  decision.ChangesByTarget(changes),
	}
	for _, t := range decision.Targets {
		rec.targets[t.ID] = t
	}
	p.recent.Add(decision.PushID, rec)
	return rec
}

// verify 对每个目标结果分别用该目标收到的变更执行校验
func (p *Pipeline) verify(ctx context.Context, rec *pushRecord, results []models.PushResult, ruleIDs []string) ([]models.VerificationResult, error) {
	var all []models.VerificationResult
	for i := range results {
		result := &results[i]
		target, ok := rec.targets[result.TargetID]
		if !ok {
			continue
		}
		vr, err := p.verifier.VerifyPushResult(ctx, result, &target, rec.changes[result.TargetID], ruleIDs)
		if err != nil {
			return all, fmt.Errorf("校验推送结果失败: %w", err)
		}
		all = append(all, vr...)
	}
	return all, nil
}

func (p *Pipeline) confirm(ctx context.Context, req *Request, rec *pushRecord, results []models.PushResult, verified []models.VerificationResult) (*models.ConfirmationResult, error) {
	creq := verification.ConfirmationRequest{ConfirmationType: meta.ConfirmationAuto}
	if req.Confirmation != nil {
		creq = *req.Confirmation
	}
	first := results[0]
	target := rec.targets[first.TargetID]
	if _, err := p.confirmer.RequestConfirmation(ctx, &first, &target, creq); err != nil {
		return nil, err
	}
	if err := p.confirmer.MarkVerifying(ctx, first.PushID); err != nil {
		return nil, err
	}
	return p.confirmer.ProcessConfirmation(ctx, first.PushID, verified, req.ConfirmedBy)
}

// rollback 为每个目标结果生成回滚计划，非人工计划立即执行
func (p *Pipeline) rollback(ctx context.Context, req *Request, rec *pushRecord, results []models.PushResult) ([]models.RollbackPlan, error) {
	strategy := req.RollbackStrategy
	if strategy == "" {
		strategy = meta.RollbackCompensating
	}
	actor := audit.SystemActor()
	var plans []models.RollbackPlan
	var errs []error
	for i := range results {
		result := &results[i]
		target := rec.targets[result.TargetID]
		plan, err := p.rollbacks.CreateRollbackPlan(ctx, actor, result, &target, rec.changes[result.TargetID], strategy)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if strategy != meta.RollbackManual {
			executed, err := p.rollbacks.ExecuteRollback(ctx, actor, plan.ID)
			if err != nil {
				errs = append(errs, err)
			}
			plan = executed
		}
		if plan != nil {
			plans = append(plans, *plan)
		}
	}
	return plans, errors.Join(errs...)
}

// Reverify 对最近一次推送重新执行校验
func (p *Pipeline) Reverify(ctx context.Context, tenantID, pushID string, results []models.PushResult, ruleIDs []string) ([]models.VerificationResult, error) {
	rec, ok := p.recent.Get(pushID)
	if !ok || rec.tenantID != tenantID {
		return nil, ErrPushNotFound
	}
	return p.verify(ctx, rec, results, ruleIDs)
}

// PlanRollback 为最近推送中的指定目标生成回滚计划
func (p *Pipeline) PlanRollback(ctx context.Context, actor audit.Actor, tenantID string, result *models.PushResult, strategy string) (*models.RollbackPlan, error) {
	rec, ok := p.recent.Get(result.PushID)
	if !ok || rec.tenantID != tenantID {
		return nil, ErrPushNotFound
	}
	target, ok := rec.targets[result.TargetID]
	if !ok {
		return nil, ErrPushNotFound
	}
	return p.rollbacks.CreateRollbackPlan(ctx, actor, result, &target, rec.changes[result.TargetID], strategy)
}
