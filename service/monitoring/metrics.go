/*
 * @module service/monitoring/metrics
 * @description 推送服务的 Prometheus 指标：投递、健康检查、熔断、路由、校验、确认与回滚
 * @architecture 分层架构 - 基础设施层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 业务事件 -> 指标更新 -> /metrics 暴露
 * @rules 指标标签只使用有限取值（目标类型、状态、策略），不使用租户或记录ID
 * @dependencies github.com/prometheus/client_golang
 * @refs main.go
 */

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_delivery_attempts_total",
		Help: "推送投递尝试次数",
	}, []string{"target_type", "result"})

	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datapush_delivery_duration_seconds",
		Help:    "单次投递耗时",
		Buckets: prometheus.DefBuckets,
	}, []string{"target_type"})

	RecordsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_records_pushed_total",
		Help: "成功推送的变更记录数",
	}, []string{"target_type"})

	PushOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_push_outcomes_total",
		Help: "推送最终结果",
	}, []string{"execution_strategy", "status"})

	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_routing_decisions_total",
		Help: "路由决策次数",
	}, []string{"fallback"})

	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_health_checks_total",
		Help: "目标健康检查次数",
	}, []string{"target_type", "status"})

	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_circuit_transitions_total",
		Help: "熔断器状态迁移次数",
	}, []string{"to_state"})

	ChangesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_changes_detected_total",
		Help: "检测到的变更记录数",
	}, []string{"source_category"})

	ChangesDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datapush_changes_denied_total",
		Help: "被权限网关拒绝的变更记录数",
	})

	VerificationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_verification_results_total",
		Help: "校验规则执行结果",
	}, []string{"rule_type", "status"})

	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_confirmations_total",
		Help: "确认处理结果",
	}, []string{"status"})

	RollbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datapush_rollback_failures_total",
		Help: "回滚执行失败次数，需要人工介入",
	})

	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datapush_rollbacks_total",
		Help: "回滚执行结果",
	}, []string{"strategy", "status"})
)

// ObserveDelivery 记录一次投递尝试
func ObserveDelivery(targetType string, success bool, records int, elapsed time.Duration) {
	result := "failure"
	if success {
		result = "success"
		RecordsPushed.WithLabelValues(targetType).Add(float64(records))
	}
	DeliveryAttempts.WithLabelValues(targetType, result).Inc()
	DeliveryDuration.WithLabelValues(targetType).Observe(elapsed.Seconds())
}
