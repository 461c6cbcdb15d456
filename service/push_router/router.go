/*
 * @module service/push_router/router
 * @description 推送路由器：候选目标的可用性/容量/性能过滤与评分、执行策略选择、分发与结果汇总
 * @architecture 分层架构 - 服务层，只读取目标注册中心快照，投递结果经注册中心写回
 * @documentReference ai_docs/push_design.md
 * @stateFlow 选择目标 -> 可用性过滤 -> 容量过滤 -> 性能过滤 -> 评分排序 -> (降级回退) -> 执行策略 -> 投递 -> 持久化结果
 * @rules
 *   - 过滤后无目标时回退到租户内优先级最高的前 N 个启用目标，并标记 fallback_used
 *   - 0 个目标: 不执行；1 个: 单目标；高优先级: 并行；大报文: 顺序直到首个成功；其他: 按权重拆分并发
 *   - 并行与拆分推送按目标分别报告结果，部分失败不聚合为错误
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/push_target/select.go, service/push_router/executor.go
 */

package push_router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"datapush-service/service/meta"
	"datapush-service/service/models"
	"datapush-service/service/monitoring"
	"datapush-service/service/push_target"
	"datapush-service/service/rate_limiter"
)

// TargetProvider 路由器依赖的目标注册中心只读能力
type TargetProvider interface {
	SelectTargets(ctx context.Context, tenantID string, pc push_target.PushContext) (*push_target.Selection, error)
	FallbackCandidates(ctx context.Context, tenantID string, n int) ([]models.PushTarget, error)
	IsAvailable(targetID string) bool
	ActiveConnections(targetID string) int64
	Breaker(targetID string) push_target.BreakerSnapshot
}

// TargetRegistry 目标注册中心
type TargetRegistry interface {
	TargetProvider
	DeliveryTarget
}

// Config 路由器阈值
type Config struct {
	HighPriorityThreshold int
	LargePayloadBytes     int64
	FallbackTargetCount   int
}

// DefaultConfig 默认阈值：优先级>5并行，报文>10MB顺序，降级取前3
func DefaultConfig() Config {
	return Config{
		HighPriorityThreshold: 5,
		LargePayloadBytes:     10 * 1024 * 1024,
		FallbackTargetCount:   3,
	}
}

// Options 路由器依赖
type Options struct {
	Targets  TargetRegistry
	Results  ResultStore
	Metrics  MetricsStore
	Limiter  rate_limiter.Limiter
	Config   Config
	Executor []ExecutorOption
	Now      func() time.Time
}

// PushRequest 一次推送请求
type PushRequest struct {
	PushID   string                `json:"push_id"`
	TenantID string                `json:"tenant_id"`
	Changes  []models.ChangeRecord `json:"changes"`
	Priority int                   `json:"priority"`
}

// RoutingDecision 路由决策
type RoutingDecision struct {
	PushID            string              `json:"push_id"`
	TenantID          string              `json:"tenant_id"`
	RouteID           string              `json:"route_id,omitempty"`
	RouteMatched      bool                `json:"route_matched"`
	TargetIDs         []string            `json:"target_ids"`
	Scores            map[string]float64  `json:"scores,omitempty"`
	Excluded          map[string]string   `json:"excluded,omitempty"`
	ExecutionStrategy string              `json:"execution_strategy"`
	FallbackUsed      bool                `json:"fallback_used"`
	DataSize          int64               `json:"data_size"`
	DecidedAt         time.Time           `json:"decided_at"`
	Targets           []models.PushTarget `json:"-"`
}

// PushOutcome 一次路由推送的汇总结果
type PushOutcome struct {
	PushID            string              `json:"push_id"`
	TenantID          string              `json:"tenant_id"`
	Status            string              `json:"status"`
	ExecutionStrategy string              `json:"execution_strategy"`
	FallbackUsed      bool                `json:"fallback_used"`
	RecordsPushed     int                 `json:"records_pushed"`
	RecordsFailed     int                 `json:"records_failed"`
	ExecutionTimeMs   int64               `json:"execution_time_ms"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	Results           []models.PushResult `json:"results"`
}

// Router 推送路由器
type Router struct {
	targets  TargetRegistry
	results  ResultStore
	metrics  MetricsStore
	limiter  rate_limiter.Limiter
	executor *Executor
	cfg      Config
	now      func() time.Time

	statsMu sync.Mutex
	stats   map[string]*routingStats // 按租户
}

// NewRouter 创建推送路由器
func NewRouter(opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMemoryMetricsStore()
	}
	if opts.Limiter == nil {
		opts.Limiter = rate_limiter.NewLocalRateLimiter()
	}
	def := DefaultConfig()
	if opts.Config.HighPriorityThreshold <= 0 {
		opts.Config.HighPriorityThreshold = def.HighPriorityThreshold
	}
	if opts.Config.LargePayloadBytes <= 0 {
		opts.Config.LargePayloadBytes = def.LargePayloadBytes
	}
	if opts.Config.FallbackTargetCount <= 0 {
		opts.Config.FallbackTargetCount = def.FallbackTargetCount
	}
	execOpts := append([]ExecutorOption{WithClock(opts.Now)}, opts.Executor...)
	return &Router{
		targets:  opts.Targets,
		results:  opts.Results,
		metrics:  opts.Metrics,
		limiter:  opts.Limiter,
		executor: NewExecutor(opts.Targets, opts.Metrics, opts.Limiter, execOpts...),
		cfg:      opts.Config,
		now:      opts.Now,
		stats:    map[string]*routingStats{},
	}
}

// Executor 路由器使用的投递执行器
func (r *Router) Executor() *Executor {
	return r.executor
}

// PushWithRetry 直接向单个目标投递
func (r *Router) PushWithRetry(ctx context.Context, pushID string, target *models.PushTarget, changes []models.ChangeRecord) *models.PushResult {
	result := r.executor.PushWithRetry(ctx, pushID, target, changes)
	if r.results != nil {
		if err := r.results.Save(ctx, []models.PushResult{*result}); err != nil {
			slog.Error("保存推送结果失败", "push_id", pushID, "target_id", target.ID, "error", err)
		}
	}
	return result
}

// RoutePush 为推送请求做路由决策
func (r *Router) RoutePush(ctx context.Context, req *PushRequest) (*RoutingDecision, error) {
	if req.PushID == "" {
		req.PushID = uuid.New().String()
	}
	now := r.now()
	pc := push_target.NewPushContext(req.Changes, req.Priority, now)

	sel, err := r.targets.SelectTargets(ctx, req.TenantID, pc)
	if err != nil {
		return nil, fmt.Errorf("选择推送目标失败: %w", err)
	}

	decision := &RoutingDecision{
		PushID:       req.PushID,
		TenantID:     req.TenantID,
		RouteMatched: sel.RouteMatched,
		DataSize:     pc.DataSize,
		DecidedAt:    now,
		Scores:       map[string]float64{},
		Excluded:     map[string]string{},
	}
	if sel.Route != nil {
		decision.RouteID = sel.Route.ID
	}

	type scored struct {
		target models.PushTarget
		score  float64
	}
	var kept []scored
	for _, t := range sel.Targets {
		if reason := r.exclusionReason(ctx, &t, pc.DataSize); reason != "" {
			decision.Excluded[t.ID] = reason
			continue
		}
		score := r.score(&t)
		decision.Scores[t.ID] = score
		kept = append(kept, scored{target: t, score: score})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	for _, k := range kept {
		decision.Targets = append(decision.Targets, k.target)
	}

	if len(decision.Targets) == 0 {
		fallback, err := r.targets.FallbackCandidates(ctx, req.TenantID, r.cfg.FallbackTargetCount)
		if err != nil {
			return nil, fmt.Errorf("获取降级目标失败: %w", err)
		}
		decision.Targets = fallback
		decision.FallbackUsed = true
		slog.Warn("路由过滤后无可用目标，进入降级模式", "push_id", req.PushID, "tenant_id", req.TenantID, "fallback_targets", len(fallback))
	}

	for _, t := range decision.Targets {
		decision.TargetIDs = append(decision.TargetIDs, t.ID)
	}
	decision.ExecutionStrategy = r.chooseStrategy(len(decision.Targets), req.Priority, pc.DataSize)

	r.recordDecision(decision)
	monitoring.RoutingDecisions.WithLabelValues(strconv.FormatBool(decision.FallbackUsed)).Inc()
	return decision, nil
}

// exclusionReason 返回目标被过滤的原因，可用时返回空串
func (r *Router) exclusionReason(ctx context.Context, t *models.PushTarget, dataSize int64) string {
	if !t.Enabled {
		return "目标已禁用"
	}
	if !t.IsHealthy() {
		return "目标不健康"
	}
	if !r.targets.IsAvailable(t.ID) {
		return "目标熔断中"
	}

	limits := t.ParsedRoutingConfig()
	if limits.MaxConnections > 0 && r.targets.ActiveConnections(t.ID) >= int64(limits.MaxConnections) {
		return "连接数已达上限"
	}
	if limits.MaxRequestsPerMinute > 0 {
		current, err := r.limiter.Current(ctx, rate_limiter.LimitTypeTarget, t.ID, requestWindowSeconds)
		if err != nil {
			slog.Warn("读取目标请求速率失败", "target_id", t.ID, "error", err)
		} else if current >= limits.MaxRequestsPerMinute {
			return "请求速率已达上限"
		}
	}
	if limits.MaxPayloadBytes > 0 && dataSize > limits.MaxPayloadBytes {
		return "报文超过目标上限"
	}

	m := r.metrics.Snapshot(t.ID)
	if limits.MaxErrorRate > 0 && m.ErrorRate > limits.MaxErrorRate {
		return "错误率超过上限"
	}
	if limits.MaxResponseTimeMs > 0 && m.AverageResponseTimeMs > limits.MaxResponseTimeMs {
		return "平均响应时间超过上限"
	}
	return ""
}

// score 目标评分，越高越优先
func (r *Router) score(t *models.PushTarget) float64 {
	m := r.metrics.Snapshot(t.ID)
	loadFactor := 0.0
	if maxConn := t.ParsedRoutingConfig().MaxConnections; maxConn > 0 {
		loadFactor = float64(r.targets.ActiveConnections(t.ID)) / float64(maxConn)
	}
	return ScoreTarget(t.Priority, t.Weight, m, loadFactor)
}

// ScoreTarget 按优先级、权重、错误率、响应时间、成功率与负载计算评分
func ScoreTarget(priority, weight int, m TargetMetrics, loadFactor float64) float64 {
	return float64(priority)*10 +
		float64(weight)/10 -
		m.ErrorRate*50 -
		m.AverageResponseTimeMs/100 +
		m.SuccessRate()*20 -
		loadFactor*30
}

func (r *Router) chooseStrategy(targets, priority int, dataSize int64) string {
	switch {
	case targets == 0:
		return meta.ExecutionNone
	case targets == 1:
		return meta.ExecutionSingle
	case priority > r.cfg.HighPriorityThreshold:
		return meta.ExecutionParallel
	case dataSize > r.cfg.LargePayloadBytes:
		return meta.ExecutionSequential
	default:
		return meta.ExecutionLoadBalanced
	}
}

// ExecuteRoutedPush 按路由决策执行推送并持久化各目标结果
func (r *Router) ExecuteRoutedPush(ctx context.Context, req *PushRequest, decision *RoutingDecision) (*PushOutcome, error) {
	start := r.now()
	outcome := &PushOutcome{
		PushID:            decision.PushID,
		TenantID:          req.TenantID,
		ExecutionStrategy: decision.ExecutionStrategy,
		FallbackUsed:      decision.FallbackUsed,
	}

	var results []models.PushResult
	switch decision.ExecutionStrategy {
	case meta.ExecutionNone:
		outcome.Status = meta.PushStatusFailed
		outcome.ErrorMessage = push_target.ErrNoTargetsAvailable.Error()
		outcome.RecordsFailed = len(req.Changes)
	case meta.ExecutionSingle:
		results = []models.PushResult{*r.executor.PushWithRetry(ctx, decision.PushID, &decision.Targets[0], req.Changes)}
	case meta.ExecutionParallel:
		results = r.pushParallel(ctx, decision.PushID, decision.Targets, func(int) []models.ChangeRecord { return req.Changes })
	case meta.ExecutionSequential:
		results = r.pushSequential(ctx, decision.PushID, decision.Targets, req.Changes)
	case meta.ExecutionLoadBalanced:
		parts := SplitByWeight(req.Changes, decision.Targets)
		results = r.pushParallel(ctx, decision.PushID, decision.Targets, func(i int) []models.ChangeRecord { return parts[i] })
	default:
		return nil, fmt.Errorf("未知的执行策略: %s", decision.ExecutionStrategy)
	}

	for i := range results {
		results[i].RouteID = decision.RouteID
		outcome.RecordsPushed += results[i].RecordsPushed
		outcome.RecordsFailed += results[i].RecordsFailed
	}
	outcome.Results = results
	if decision.ExecutionStrategy != meta.ExecutionNone {
		outcome.Status, outcome.ErrorMessage = aggregateStatus(decision.ExecutionStrategy, results)
	}
	outcome.ExecutionTimeMs = r.now().Sub(start).Milliseconds()

	if r.results != nil && len(results) > 0 {
		if err := r.results.Save(ctx, results); err != nil {
			return outcome, err
		}
	}
	r.recordOutcome(outcome)
	monitoring.PushOutcomes.WithLabelValues(outcome.ExecutionStrategy, outcome.Status).Inc()
	slog.Info("路由推送完成", "push_id", outcome.PushID, "strategy", outcome.ExecutionStrategy,
		"status", outcome.Status, "records_pushed", outcome.RecordsPushed, "records_failed", outcome.RecordsFailed)
	return outcome, nil
}

// RouteAndExecute 路由决策并执行
func (r *Router) RouteAndExecute(ctx context.Context, req *PushRequest) (*RoutingDecision, *PushOutcome, error) {
	decision, err := r.RoutePush(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	outcome, err := r.ExecuteRoutedPush(ctx, req, decision)
	return decision, outcome, err
}

// pushParallel 每个目标一个并发任务，空分区跳过，等待全部完成
func (r *Router) pushParallel(ctx context.Context, pushID string, targets []models.PushTarget, changesFor func(int) []models.ChangeRecord) []models.PushResult {
	slots := make([]*models.PushResult, len(targets))
	var wg sync.WaitGroup
	for i := range targets {
		changes := changesFor(i)
		if len(changes) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, changes []models.ChangeRecord) {
			defer wg.Done()
			slots[i] = r.executor.PushWithRetry(ctx, pushID, &targets[i], changes)
		}(i, changes)
	}
	wg.Wait()

	results := make([]models.PushResult, 0, len(targets))
	for _, res := range slots {
		if res != nil {
			results = append(results, *res)
		}
	}
	return results
}

// pushSequential 依次投递，首个成功即停止
func (r *Router) pushSequential(ctx context.Context, pushID string, targets []models.PushTarget, changes []models.ChangeRecord) []models.PushResult {
	var results []models.PushResult
	for i := range targets {
		res := r.executor.PushWithRetry(ctx, pushID, &targets[i], changes)
		results = append(results, *res)
		if res.Succeeded() {
			break
		}
	}
	return results
}

// aggregateStatus 汇总各目标结果
func aggregateStatus(strategy string, results []models.PushResult) (string, string) {
	if len(results) == 0 {
		return meta.PushStatusFailed, push_target.ErrNoTargetsAvailable.Error()
	}
	succeeded, timeouts := 0, 0
	var lastErr string
	for _, res := range results {
		switch res.Status {
		case meta.PushStatusSuccess:
			succeeded++
		case meta.PushStatusTimeout:
			timeouts++
		}
		if res.ErrorMessage != "" {
			lastErr = res.ErrorMessage
		}
	}

	if strategy == meta.ExecutionSequential {
		if results[len(results)-1].Succeeded() {
			return meta.PushStatusSuccess, ""
		}
		return meta.PushStatusFailed, lastErr
	}
	switch {
	case succeeded == len(results):
		return meta.PushStatusSuccess, ""
	case timeouts == len(results):
		return meta.PushStatusTimeout, lastErr
	case succeeded == 0 && !anyPartial(results):
		return meta.PushStatusFailed, lastErr
	default:
		return meta.PushStatusPartial, lastErr
	}
}

func anyPartial(results []models.PushResult) bool {
	for _, res := range results {
		if res.Status == meta.PushStatusPartial {
			return true
		}
	}
	return false
}
