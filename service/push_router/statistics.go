package push_router

import (
	"time"

	"datapush-service/service/push_target"
)

type routingStats struct {
	totalDecisions  int64
	fallbackCount   int64
	strategyCounts  map[string]int64
	totalExecutions int64
	outcomeCounts   map[string]int64
	recordsPushed   int64
	recordsFailed   int64
	lastDecisionAt  time.Time
	targets         map[string]struct{} // 决策中出现过的目标
}

func newRoutingStats() *routingStats {
	return &routingStats{
		strategyCounts: map[string]int64{},
		outcomeCounts:  map[string]int64{},
		targets:        map[string]struct{}{},
	}
}

// tenantStats 取租户统计，调用方持有 statsMu
func (r *Router) tenantStats(tenantID string) *routingStats {
	st, ok := r.stats[tenantID]
	if !ok {
		st = newRoutingStats()
		r.stats[tenantID] = st
	}
	return st
}

// RoutingStatistics 路由统计
type RoutingStatistics struct {
	TotalDecisions  int64                    `json:"total_decisions"`
	FallbackCount   int64                    `json:"fallback_count"`
	FallbackRate    float64                  `json:"fallback_rate"`
	StrategyCounts  map[string]int64         `json:"strategy_counts"`
	TotalExecutions int64                    `json:"total_executions"`
	OutcomeCounts   map[string]int64         `json:"outcome_counts"`
	RecordsPushed   int64                    `json:"records_pushed"`
	RecordsFailed   int64                    `json:"records_failed"`
	LastDecisionAt  *time.Time               `json:"last_decision_at,omitempty"`
	Targets         map[string]TargetMetrics `json:"targets"`
}

// TargetStatistics 单个目标的统计
type TargetStatistics struct {
	TargetID          string                      `json:"target_id"`
	Metrics           TargetMetrics               `json:"metrics"`
	SuccessRate       float64                     `json:"success_rate"`
	ActiveConnections int64                       `json:"active_connections"`
	Breaker           push_target.BreakerSnapshot `json:"circuit_breaker"`
}

func (r *Router) recordDecision(d *RoutingDecision) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	st := r.tenantStats(d.TenantID)
	st.totalDecisions++
	if d.FallbackUsed {
		st.fallbackCount++
	}
	st.strategyCounts[d.ExecutionStrategy]++
	st.lastDecisionAt = d.DecidedAt
	for _, id := range d.TargetIDs {
		st.targets[id] = struct{}{}
	}
}

func (r *Router) recordOutcome(o *PushOutcome) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	st := r.tenantStats(o.TenantID)
	st.totalExecutions++
	st.outcomeCounts[o.Status]++
	st.recordsPushed += int64(o.RecordsPushed)
	st.recordsFailed += int64(o.RecordsFailed)
	for _, res := range o.Results {
		st.targets[res.TargetID] = struct{}{}
	}
}

// GetRoutingStatistics 租户的路由决策与执行统计，目标指标只包含该租户推送过的目标
func (r *Router) GetRoutingStatistics(tenantID string) *RoutingStatistics {
	r.statsMu.Lock()
	st, ok := r.stats[tenantID]
	if !ok {
		st = newRoutingStats()
	}
	stats := &RoutingStatistics{
		TotalDecisions:  st.totalDecisions,
		FallbackCount:   st.fallbackCount,
		StrategyCounts:  make(map[string]int64, len(st.strategyCounts)),
		TotalExecutions: st.totalExecutions,
		OutcomeCounts:   make(map[string]int64, len(st.outcomeCounts)),
		RecordsPushed:   st.recordsPushed,
		RecordsFailed:   st.recordsFailed,
		Targets:         make(map[string]TargetMetrics, len(st.targets)),
	}
	for k, v := range st.strategyCounts {
		stats.StrategyCounts[k] = v
	}
	for k, v := range st.outcomeCounts {
		stats.OutcomeCounts[k] = v
	}
	if !st.lastDecisionAt.IsZero() {
		t := st.lastDecisionAt
		stats.LastDecisionAt = &t
	}
	targetIDs := make([]string, 0, len(st.targets))
	for id := range st.targets {
		targetIDs = append(targetIDs, id)
	}
	r.statsMu.Unlock()

	if stats.TotalDecisions > 0 {
		stats.FallbackRate = float64(stats.FallbackCount) / float64(stats.TotalDecisions)
	}
	for _, id := range targetIDs {
		m := r.metrics.Snapshot(id)
		m.ActiveConnections = r.targets.ActiveConnections(id)
		stats.Targets[id] = m
	}
	return stats
}

// GetTargetStatistics 目标滚动指标与熔断状态
func (r *Router) GetTargetStatistics(targetID string) *TargetStatistics {
	m := r.metrics.Snapshot(targetID)
	m.ActiveConnections = r.targets.ActiveConnections(targetID)
	return &TargetStatistics{
		TargetID:          targetID,
		Metrics:           m,
		SuccessRate:       m.SuccessRate(),
		ActiveConnections: m.ActiveConnections,
		Breaker:           r.targets.Breaker(targetID),
	}
}
