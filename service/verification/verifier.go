/*
 * @module service/verification/verifier
 * @description 推送结果校验器：规则管理、规则并发执行（独立超时与重试）、校验统计
 * @architecture 分层架构 - 服务层，规则类型到 Check 的注册表
 * @documentReference ai_docs/push_design.md
 * @stateFlow 推送结果 -> 选取规则(指定或全部适用的启用规则) -> 并发执行 -> 持久化校验结果
 * @rules
 *   - 每条规则有独立超时，超时报告为 timeout 而不是丢弃
 *   - 执行出错按规则的 max_retries 重试，不匹配不重试
 *   - 指定的规则不存在时报告为 error 结果
 * @dependencies github.com/traefik/yaegi, github.com/xeipuuv/gojsonschema, gorm.io/gorm
 * @refs service/verification/confirmation.go, service/push_pipeline/pipeline.go
 */

package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datapush-service/service/format_convert"
	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
	"datapush-service/service/utils"
)

// errRuleTimeout 规则执行超时
var errRuleTimeout = errors.New("校验规则执行超时")

// Options 校验器依赖
type Options struct {
	Rules     RuleStore
	Results   ResultStore
	Reader    RecordReader
	Scripts   *ScriptRunner
	Converter *format_convert.Converter
	Now       func() time.Time
}

// Verifier 推送结果校验器
type Verifier struct {
	rules     RuleStore
	results   ResultStore
	scripts   *ScriptRunner
	converter *format_convert.Converter
	now       func() time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

// NewVerifier 创建校验器并注册内置规则类型
func NewVerifier(opts Options) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Scripts == nil {
		opts.Scripts = NewScriptRunner()
	}
	if opts.Converter == nil {
		opts.Converter = format_convert.NewConverter()
	}
	v := &Verifier{
		rules:     opts.Rules,
		results:   opts.Results,
		scripts:   opts.Scripts,
		converter: opts.Converter,
		now:       opts.Now,
		checks:    map[string]Check{},
	}
	v.RegisterCheck(countCheck{})
	v.RegisterCheck(checksumCheck{})
	v.RegisterCheck(contentCheck{reader: opts.Reader})
	v.RegisterCheck(schemaCheck{})
	v.RegisterCheck(customCheck{runner: opts.Scripts})
	return v
}

// RegisterCheck 注册或替换规则类型实现
func (v *Verifier) RegisterCheck(c Check) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checks[c.RuleType()] = c
}

func (v *Verifier) check(ruleType string) (Check, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.checks[ruleType]
	return c, ok
}

// CreateRule 创建校验规则
func (v *Verifier) CreateRule(ctx context.Context, rule *models.VerificationRule) (*models.VerificationRule, error) {
	if err := v.validateRule(rule); err != nil {
		return nil, err
	}
	if err := v.rules.Create(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateRule 整体替换校验规则
func (v *Verifier) UpdateRule(ctx context.Context, tenantID, ruleID string, rule *models.VerificationRule) (*models.VerificationRule, error) {
	existing, err := v.rules.Get(ctx, tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	rule.ID = existing.ID
	rule.TenantID = existing.TenantID
	rule.RuleID = existing.RuleID
	rule.CreatedAt = existing.CreatedAt
	if err := v.validateRule(rule); err != nil {
		return nil, err
	}
	if err := v.rules.Save(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteRule 删除校验规则
func (v *Verifier) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	return v.rules.Delete(ctx, tenantID, ruleID)
}

// GetRule 查询校验规则
func (v *Verifier) GetRule(ctx context.Context, tenantID, ruleID string) (*models.VerificationRule, error) {
	return v.rules.Get(ctx, tenantID, ruleID)
}

// ListRules 查询租户的校验规则
func (v *Verifier) ListRules(ctx context.Context, tenantID string, enabledOnly bool) ([]models.VerificationRule, error) {
	return v.rules.List(ctx, tenantID, enabledOnly)
}

func (v *Verifier) validateRule(rule *models.VerificationRule) error {
	if err := utils.ValidateStruct(rule); err != nil {
		return err
	}
	if rule.TenantID == "" {
		return &utils.ValidationError{Fields: map[string]string{"tenant_id": "不能为空"}}
	}
	if rule.RuleType == meta.RuleTypeCustom {
		script, _ := rule.Config["script"].(string)
		if script == "" {
			return &utils.ValidationError{Fields: map[string]string{"config.script": "不能为空"}}
		}
		if err := v.scripts.Validate(script); err != nil {
			return &utils.ValidationError{Fields: map[string]string{"config.script": err.Error()}}
		}
	}
	return nil
}

// VerifyPushResult 对推送结果执行校验规则；ruleIDs 为空时执行全部适用的启用规则
func (v *Verifier) VerifyPushResult(ctx context.Context, result *models.PushResult, target *models.PushTarget, changes []models.ChangeRecord, ruleIDs []string) ([]models.VerificationResult, error) {
	tenantID := result.TenantID
	if tenantID == "" && target != nil {
		tenantID = target.TenantID
	}

	rules, missing, err := v.resolveRules(ctx, tenantID, target, ruleIDs)
	if err != nil {
		return nil, err
	}

	payloads := v.converter.Convert(changes, target)
	out := make([]models.VerificationResult, len(rules), len(rules)+len(missing))
	var wg sync.WaitGroup
	for i := range rules {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := &CheckInput{Rule: &rules[i], Result: result, Target: target, Changes: changes, Payloads: payloads}
			out[i] = v.runRule(ctx, in)
		}(i)
	}
	wg.Wait()

	for _, id := range missing {
		out = append(out, models.VerificationResult{
			PushID:       result.PushID,
			TenantID:     result.TenantID,
			RuleID:       id,
			TargetID:     result.TargetID,
			Status:       meta.VerificationError,
			ErrorMessage: ErrRuleNotFound.Error(),
			CreatedAt:    v.now(),
		})
	}

	if err := v.results.SaveResults(ctx, out); err != nil {
		return out, err
	}
	return out, nil
}

// resolveRules 返回待执行规则与不存在的规则ID
func (v *Verifier) resolveRules(ctx context.Context, tenantID string, target *models.PushTarget, ruleIDs []string) ([]models.VerificationRule, []string, error) {
	if len(ruleIDs) == 0 {
		all, err := v.rules.List(ctx, tenantID, true)
		if err != nil {
			return nil, nil, err
		}
		rules := make([]models.VerificationRule, 0, len(all))
		for _, r := range all {
			if target == nil || r.AppliesTo(target.TargetType) {
				rules = append(rules, r)
			}
		}
		return rules, nil, nil
	}

	var rules []models.VerificationRule
	var missing []string
	for _, id := range ruleIDs {
		rule, err := v.rules.Get(ctx, tenantID, id)
		if errors.Is(err, ErrRuleNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, missing, nil
}

func (v *Verifier) runRule(ctx context.Context, in *CheckInput) models.VerificationResult {
	rule := in.Rule
	start := v.now()
	res := models.VerificationResult{
		PushID:   in.Result.PushID,
		TenantID: in.Result.TenantID,
		RuleID:   rule.RuleID,
		TargetID: in.Result.TargetID,
	}

	check, ok := v.check(rule.RuleType)
	if !ok {
		res.Status = meta.VerificationError
		res.ErrorMessage = fmt.Sprintf("不支持的校验规则类型: %s", rule.RuleType)
	} else {
		v.execute(ctx, check, in, &res)
	}

	res.VerificationTimeMs = v.now().Sub(start).Milliseconds()
	res.CreatedAt = v.now()
	monitoring.VerificationResults.WithLabelValues(rule.RuleType, res.Status).Inc()
	if res.Status != meta.VerificationSuccess {
		slog.Info("校验规则未通过", "push_id", res.PushID, "rule_id", res.RuleID, "status", res.Status, "error", res.ErrorMessage)
	}
	return res
}

// execute 执行规则，出错时按 max_retries 重试，超时不重试
func (v *Verifier) execute(ctx context.Context, check Check, in *CheckInput, res *models.VerificationResult) {
	var lastErr error
	for attempt := 0; attempt <= in.Rule.MaxRetries; attempt++ {
		res.Attempts++
		out, err := invokeWithTimeout(ctx, check, in)
		if err == nil {
			res.RecordsVerified = out.RecordsVerified
			res.RecordsFailed = out.RecordsFailed
			res.Expected = out.Expected
			res.Actual = out.Actual
			res.ErrorMessage = out.Message
			if len(out.Details) > 0 {
				res.Details = models.JSONB(out.Details)
			}
			res.Status = meta.VerificationFailed
			if out.Passed {
				res.Status = meta.VerificationSuccess
			}
			return
		}
		lastErr = err
		if errors.Is(err, errRuleTimeout) {
			res.Status = meta.VerificationTimeout
			res.ErrorMessage = err.Error()
			return
		}
	}
	res.Status = meta.VerificationError
	res.ErrorMessage = lastErr.Error()
}

func invokeWithTimeout(ctx context.Context, check Check, in *CheckInput) (*CheckOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, in.Rule.Timeout())
	defer cancel()

	type reply struct {
		out *CheckOutcome
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		out, err := check.Verify(ctx, in)
		ch <- reply{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.out == nil {
			return nil, fmt.Errorf("校验规则 %s 未返回结果", in.Rule.RuleID)
		}
		if r.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", errRuleTimeout, in.Rule.RuleID)
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", errRuleTimeout, in.Rule.RuleID)
	}
}

// VerificationStatistics 校验统计
type VerificationStatistics struct {
	Total         int64            `json:"total"`
	ByStatus      map[string]int64 `json:"by_status"`
	SuccessRate   float64          `json:"success_rate"`
	AverageTimeMs float64          `json:"average_time_ms"`
}

// GetVerificationStatistics 按状态汇总租户的校验结果，since 为零值时统计全部
func (v *Verifier) GetVerificationStatistics(ctx context.Context, tenantID string, since time.Time) (*VerificationStatistics, error) {
	rows, err := v.results.StatusSummary(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	stats := &VerificationStatistics{ByStatus: map[string]int64{}}
	var weighted float64
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
		weighted += row.AvgTimeMs * float64(row.Count)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[meta.VerificationSuccess]) / float64(stats.Total)
		stats.AverageTimeMs = weighted / float64(stats.Total)
	}
	return stats, nil
}
