/*
 * @module service/verification/confirmation
 * @description 确认流程：开启确认窗口、按校验结果判定确认/拒绝、处理超时
 * @architecture 分层架构 - 服务层
 * @documentReference ai_docs/push_design.md
 * @stateFlow pending -> verifying -> confirmed | rejected | timeout
 * @rules
 *   - 窗口截止时间在处理时检查，不依赖后台定时器
 *   - 必需规则为空时，全部提供的校验结果成功才确认
 *   - 必需规则非空时，每个必需规则都必须存在且成功，否则拒绝并列出未通过的规则
 *   - 终态确认不可再变更
 * @dependencies gorm.io/gorm
 * @refs service/verification/verifier.go, service/scheduler/push_jobs.go
 */

package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"datapush-service/service/audit"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
)

// ErrConfirmationExists 推送已存在确认请求
var ErrConfirmationExists = errors.New("推送已存在确认请求")

// ConfirmationRequest 确认请求参数
type ConfirmationRequest struct {
	ConfirmationType      string        `json:"confirmation_type"`
	RequiredVerifications []string      `json:"required_verifications"`
	Timeout               time.Duration `json:"timeout"`
	Delay                 time.Duration `json:"delay"` // 仅 delayed 类型：最早可确认时间
}

// Confirmer 确认流程
type Confirmer struct {
	store          ConfirmationStore
	audit          audit.Sink
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewConfirmer 创建确认流程
func NewConfirmer(store ConfirmationStore, sink audit.Sink, defaultTimeout time.Duration, now func() time.Time) *Confirmer {
	if sink == nil {
		sink = audit.Nop{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Confirmer{store: store, audit: sink, defaultTimeout: defaultTimeout, now: now}
}

// RequestConfirmation 为推送开启确认窗口
func (c *Confirmer) RequestConfirmation(ctx context.Context, result *models.PushResult, target *models.PushTarget, req ConfirmationRequest) (*models.ConfirmationRecord, error) {
	switch req.ConfirmationType {
	case "":
		req.ConfirmationType = meta.ConfirmationAuto
	case meta.ConfirmationAuto, meta.ConfirmationManual, meta.ConfirmationDelayed:
	default:
		return nil, fmt.Errorf("不支持的确认类型: %s", req.ConfirmationType)
	}
	if _, err := c.store.Get(ctx, result.PushID); err == nil {
		return nil, ErrConfirmationExists
	} else if !errors.Is(err, ErrConfirmationNotFound) {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	now := c.now()
	rec := &models.ConfirmationRecord{
		PushID:                result.PushID,
		TenantID:              result.TenantID,
		TargetID:              result.TargetID,
		ConfirmationType:      req.ConfirmationType,
		RequiredVerifications: models.JSONBStringArray(req.RequiredVerifications),
		Status:                meta.ConfirmationPending,
		Deadline:              now.Add(timeout),
	}
	if target != nil {
		rec.TargetID = target.ID
		if rec.TenantID == "" {
			rec.TenantID = target.TenantID
		}
	}
	if req.ConfirmationType == meta.ConfirmationDelayed && req.Delay > 0 {
		notBefore := now.Add(req.Delay)
		rec.NotBefore = &notBefore
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	monitoring.Confirmations.WithLabelValues(meta.ConfirmationPending).Inc()
	return rec, nil
}

// GetConfirmation 查询确认窗口
func (c *Confirmer) GetConfirmation(ctx context.Context, pushID string) (*models.ConfirmationRecord, error) {
	return c.store.Get(ctx, pushID)
}

// MarkVerifying 校验开始时把待确认窗口置为 verifying
func (c *Confirmer) MarkVerifying(ctx context.Context, pushID string) error {
	rec, err := c.store.Get(ctx, pushID)
	if err != nil {
		return err
	}
	if rec.Status != meta.ConfirmationPending {
		return nil
	}
	rec.Status = meta.ConfirmationVerifying
	return c.store.Save(ctx, rec)
}

// ProcessConfirmation 按校验结果处理确认
func (c *Confirmer) ProcessConfirmation(ctx context.Context, pushID string, results []models.VerificationResult, confirmedBy string) (*models.ConfirmationResult, error) {
	rec, err := c.store.Get(ctx, pushID)
	if err != nil {
		return nil, err
	}
	if isTerminal(rec.Status) {
		return toResult(rec, results), nil
	}

	now := c.now()
	switch {
	case now.After(rec.Deadline):
		rec.Status = meta.ConfirmationTimeout
		rec.RejectionReason = "确认窗口已超时"
	case rec.NotBefore != nil && now.Before(*rec.NotBefore):
		return toResult(rec, results), nil
	case rec.ConfirmationType == meta.ConfirmationManual && confirmedBy == "":
		return toResult(rec, results), nil
	default:
		ok, reason := Evaluate(rec.RequiredVerifications, results)
		if ok {
			rec.Status = meta.ConfirmationConfirmed
			rec.ConfirmedAt = &now
			rec.ConfirmedBy = confirmedBy
			if rec.ConfirmedBy == "" {
				rec.ConfirmedBy = "system"
			}
		} else {
			rec.Status = meta.ConfirmationRejected
			rec.RejectionReason = reason
		}
	}

	if err := c.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	c.finish(ctx, rec, confirmedBy)
	return toResult(rec, results), nil
}

// SweepExpired 把已过截止时间的未决确认置为 timeout
func (c *Confirmer) SweepExpired(ctx context.Context) ([]models.ConfirmationRecord, error) {
	recs, err := c.store.ListExpired(ctx, c.now())
	if err != nil {
		return nil, err
	}
	expired := make([]models.ConfirmationRecord, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		rec.Status = meta.ConfirmationTimeout
		rec.RejectionReason = "确认窗口已超时"
		if err := c.store.Save(ctx, rec); err != nil {
			slog.Error("确认超时处理失败", "push_id", rec.PushID, "error", err)
			continue
		}
		c.finish(ctx, rec, "")
		expired = append(expired, *rec)
	}
	return expired, nil
}

func (c *Confirmer) finish(ctx context.Context, rec *models.ConfirmationRecord, confirmedBy string) {
	monitoring.Confirmations.WithLabelValues(rec.Status).Inc()
	actor := audit.SystemActor()
	if confirmedBy != "" {
		actor = audit.UserActor(confirmedBy)
	}
	c.audit.Record(ctx, audit.Entry{
		TenantID:     rec.TenantID,
		Action:       audit.ActionConfirmation,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		ResourceType: "push",
		ResourceID:   rec.PushID,
		Details: map[string]interface{}{
			"status":            rec.Status,
			"confirmation_type": rec.ConfirmationType,
			"rejection_reason":  rec.RejectionReason,
		},
		Success:      rec.Status == meta.ConfirmationConfirmed,
		ErrorMessage: rec.RejectionReason,
	})
}

// Evaluate 按必需规则判定校验结果，返回是否通过及拒绝原因
func Evaluate(required []string, results []models.VerificationResult) (bool, string) {
	// 同一规则可能在多个目标上执行，全部成功才算成功
	byRule := map[string]string{}
	for _, r := range results {
		prev, seen := byRule[r.RuleID]
		if !seen || prev == meta.VerificationSuccess {
			byRule[r.RuleID] = r.Status
		}
	}

	var failing []string
	if len(required) == 0 {
		for id, status := range byRule {
			if status != meta.VerificationSuccess {
				failing = append(failing, fmt.Sprintf("%s(%s)", id, status))
			}
		}
	} else {
		for _, id := range required {
			status, ok := byRule[id]
			switch {
			case !ok:
				failing = append(failing, id+"(missing)")
			case status != meta.VerificationSuccess:
				failing = append(failing, fmt.Sprintf("%s(%s)", id, status))
			}
		}
	}
	if len(failing) == 0 {
		return true, ""
	}
	sort.Strings(failing)
	return false, "校验未通过: " + strings.Join(failing, ", ")
}

func isTerminal(status string) bool {
	return status == meta.ConfirmationConfirmed || status == meta.ConfirmationRejected || status == meta.ConfirmationTimeout
}

func toResult(rec *models.ConfirmationRecord, results []models.VerificationResult) *models.ConfirmationResult {
	status := rec.Status
	if status == meta.ConfirmationVerifying {
		status = meta.ConfirmationPending
	}
	return &models.ConfirmationResult{
		PushID:              rec.PushID,
		Status:              status,
		ConfirmedAt:         rec.ConfirmedAt,
		ConfirmedBy:         rec.ConfirmedBy,
		RejectionReason:     rec.RejectionReason,
		VerificationResults: results,
	}
}
