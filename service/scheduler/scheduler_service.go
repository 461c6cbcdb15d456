/**
 * @module SchedulerService
 * @description 推送调度器服务，定时执行目标健康检查、确认超时清扫和变更源定时检测
 * @architecture 基于 robfig/cron 的秒级调度，触发后交给任务队列执行
 * @documentReference ../ai_docs/push_design.md
 * @stateFlow cron 触发 -> 任务入队 -> TaskExecutor 执行 -> 记录执行
 * @rules 变更源的检测任务按其 schedule 表达式注册，变更源增删后需重新加载
 * @dependencies github.com/robfig/cron/v3
 * @refs task_scheduler.go, task_executor.go, ../change_detect/service.go
 */

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"datapush-service/service/config"
	"datapush-service/service/distributed_lock"
)

// Deps 调度器依赖
type Deps struct {
	Targets               HealthChecker
	Confirmations         ConfirmationSweeper
	Results               ResultLister
	Rollbacks             RollbackPlanner
	Sources               SourceLister
	Detect                DetectionRunner
	Locks                 *distributed_lock.LockExecutor
	PlanRollbackOnTimeout bool
}

// SchedulerService 调度器服务
type SchedulerService struct {
	cfg     config.SchedulerConfig
	sources SourceLister
	queue   *TaskScheduler
	cron    *cron.Cron

	mu            sync.Mutex
	sourceEntries map[string]cron.EntryID
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewSchedulerService 创建调度器服务
func NewSchedulerService(cfg config.SchedulerConfig, deps Deps) *SchedulerService {
	ctx, cancel := context.WithCancel(context.Background())
	executor := NewTaskExecutor(deps)
	return &SchedulerService{
		cfg:           cfg,
		sources:       deps.Sources,
		queue:         NewTaskScheduler(executor, NewRetryManager(3, 10*time.Second, 5*time.Minute), 4, nil),
		cron:          cron.New(cron.WithSeconds()),
		sourceEntries: map[string]cron.EntryID{},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Queue 任务队列
func (s *SchedulerService) Queue() *TaskScheduler { return s.queue }

// Start 注册系统任务和变更源检测任务并启动调度
func (s *SchedulerService) Start() error {
	slog.Info("启动推送调度器")

	system := []*ScheduleTask{
		{ID: TaskHealthCheck, Name: "目标健康检查", Type: TaskHealthCheck, CronExpr: s.cfg.HealthCheckCron},
		{ID: TaskConfirmationSweep, Name: "确认超时清扫", Type: TaskConfirmationSweep, CronExpr: s.cfg.ConfirmationSweepCron},
	}
	for _, task := range system {
		if _, err := s.addTask(task); err != nil {
			return err
		}
	}

	if s.cfg.DetectionEnabled {
		if err := s.ReloadSources(); err != nil {
			return err
		}
	}

	s.cron.Start()
	slog.Info("推送调度器启动完成", "entries", len(s.cron.Entries()))
	return nil
}

// Stop 停止调度器
func (s *SchedulerService) Stop() {
	slog.Info("停止推送调度器")
	s.cancel()
	<-s.cron.Stop().Done()
	s.queue.Stop()
	slog.Info("推送调度器已停止")
}

func (s *SchedulerService) addTask(task *ScheduleTask) (cron.EntryID, error) {
	if task.CronExpr == "" {
		return 0, fmt.Errorf("任务 %s 缺少cron表达式", task.ID)
	}
	id, err := s.cron.AddFunc(task.CronExpr, func() {
		s.queue.Submit(task)
	})
	if err != nil {
		return 0, fmt.Errorf("添加Cron任务 %s 失败: %w", task.ID, err)
	}
	slog.Info("添加Cron任务", "task_id", task.ID, "cron", task.CronExpr)
	return id, nil
}

// ReloadSources 按变更源当前配置重新注册定时检测任务
func (s *SchedulerService) ReloadSources() error {
	sources, err := s.sources.ListScheduled(s.ctx)
	if err != nil {
		return fmt.Errorf("获取定时检测变更源失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID, entry := range s.sourceEntries {
		s.cron.Remove(entry)
		s.queue.Forget(taskID)
		delete(s.sourceEntries, taskID)
	}
	for i := range sources {
		source := sources[i]
		task := &ScheduleTask{
			ID:       "detection:" + source.TenantID + ":" + source.ID,
			Name:     source.Name,
			Type:     TaskDetection,
			TenantID: source.TenantID,
			Source:   &source,
			CronExpr: source.Schedule,
		}
		entry, err := s.addTask(task)
		if err != nil {
			slog.Error("添加变更源检测任务失败", "source_id", source.ID, "error", err)
			continue
		}
		s.sourceEntries[task.ID] = entry
	}
	slog.Info("加载变更源检测任务", "count", len(s.sourceEntries))
	return nil
}
