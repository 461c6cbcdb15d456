package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"datapush-service/monitor_client"
	"datapush-service/service/push_router"
	"datapush-service/service/push_target"
	"datapush-service/service/scheduler"
	"datapush-service/service/verification"
)

// StatisticsController 路由、目标、校验与调度统计
type StatisticsController struct {
	router   *push_router.Router
	registry *push_target.Registry
	verifier *verification.Verifier
	queue    *scheduler.TaskScheduler
	monitor  *monitor_client.Client
}

// NewStatisticsController 创建统计控制器
func NewStatisticsController(router *push_router.Router, registry *push_target.Registry, verifier *verification.Verifier, queue *scheduler.TaskScheduler, monitor *monitor_client.Client) *StatisticsController {
	return &StatisticsController{router: router, registry: registry, verifier: verifier, queue: queue, monitor: monitor}
}

// Routing 路由决策与执行统计
func (c *StatisticsController) Routing(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取路由统计失败", err)
		return
	}
	respondOK(w, r, "获取路由统计成功", c.router.GetRoutingStatistics(caller.TenantID))
}

// Target 单个目标的投递指标与熔断状态
func (c *StatisticsController) Target(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取目标统计失败", err)
		return
	}
	targetID := chi.URLParam(r, "id")
	if _, err := c.registry.GetTarget(r.Context(), caller.TenantID, targetID); err != nil {
		respondError(w, r, "获取目标统计失败", err)
		return
	}
	respondOK(w, r, "获取目标统计成功", c.router.GetTargetStatistics(targetID))
}

// Verification 校验结果统计，since 为 RFC3339 时间，默认最近24小时
func (c *StatisticsController) Verification(w http.ResponseWriter, r *http.Request) {
	caller, err := callerOf(r)
	if err != nil {
		respondError(w, r, "获取校验统计失败", err)
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondBadRequest(w, r, "since 参数格式错误，需要RFC3339时间")
			return
		}
		since = t
	}
	stats, err := c.verifier.GetVerificationStatistics(r.Context(), caller.TenantID, since)
	if err != nil {
		respondError(w, r, "获取校验统计失败", err)
		return
	}
	respondOK(w, r, "获取校验统计成功", stats)
}

// Scheduler 最近的后台任务执行记录
func (c *StatisticsController) Scheduler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	respondOK(w, r, "获取调度记录成功", map[string]interface{}{
		"tasks":      c.queue.GetScheduledTasks(),
		"executions": c.queue.GetExecutions(limit),
	})
}

// DeliveryTrend 从 VictoriaMetrics 查询投递趋势，hours 默认24，step 为秒数默认300
func (c *StatisticsController) DeliveryTrend(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 || hours > 24*7 {
		hours = 24
	}
	step, _ := strconv.Atoi(r.URL.Query().Get("step"))
	if step <= 0 {
		step = 300
	}
	end := time.Now()
	series, err := c.monitor.DeliveryTrend(r.Context(), end.Add(-time.Duration(hours)*time.Hour), end, time.Duration(step)*time.Second)
	if err != nil {
		respondError(w, r, "获取投递趋势失败", err)
		return
	}
	respondOK(w, r, "获取投递趋势成功", series)
}
