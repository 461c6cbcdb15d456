/*
 * @module service/scheduler/task_scheduler
 * @description 任务队列，负责任务分发、并发控制、失败重试和执行记录
 * @architecture 分层架构 - 任务调度层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 任务入队 -> 工作协程执行 -> [失败退避重入队] -> 记录执行
 * @rules
 *   - 同一任务同一时刻只执行一个实例，重复触发直接跳过
 *   - 队列满时丢弃本次触发，等待下一次调度
 * @dependencies github.com/google/uuid
 * @refs scheduler_service.go, task_executor.go, retry_manager.go
 */

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"datapush-service/service/models"
)

// ScheduleTask 调度任务
type ScheduleTask struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Type        string               `json:"type"` // health_check, confirmation_sweep, detection
	TenantID    string               `json:"tenant_id,omitempty"`
	Source      *models.ChangeSource `json:"-"`
	CronExpr    string               `json:"cron_expr"`
	LastRunTime *time.Time           `json:"last_run_time,omitempty"`
	Status      string               `json:"status"` // enabled, running
}

// TaskExecution 任务执行记录
type TaskExecution struct {
	ID         string                 `json:"id"`
	TaskID     string                 `json:"task_id"`
	TaskType   string                 `json:"task_type"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Status     string                 `json:"status"` // success, failed
	Result     map[string]interface{} `json:"result,omitempty"`
	ErrorMsg   string                 `json:"error_msg,omitempty"`
	Duration   time.Duration          `json:"duration"`
	RetryCount int                    `json:"retry_count"`
}

const historyLimit = 200

// TaskScheduler 任务队列
type TaskScheduler struct {
	taskQueue    chan *ScheduleTask
	taskExecutor *TaskExecutor
	retryManager *RetryManager
	now          func() time.Time

	taskMutex sync.Mutex
	running   map[string]bool
	tasks     map[string]*ScheduleTask
	history   []TaskExecution

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskScheduler 创建任务队列并启动工作协程
func NewTaskScheduler(executor *TaskExecutor, retry *RetryManager, maxWorkers int, now func() time.Time) *TaskScheduler {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TaskScheduler{
		taskQueue:    make(chan *ScheduleTask, 1000),
		taskExecutor: executor,
		retryManager: retry,
		now:          now,
		running:      map[string]bool{},
		tasks:        map[string]*ScheduleTask{},
		ctx:          ctx,
		cancel:       cancel,
	}
	for i := 0; i < maxWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit 任务入队，队列满时返回 false
func (s *TaskScheduler) Submit(task *ScheduleTask) bool {
	s.taskMutex.Lock()
	if _, ok := s.tasks[task.ID]; !ok {
		task.Status = "enabled"
		s.tasks[task.ID] = task
	}
	s.taskMutex.Unlock()

	select {
	case s.taskQueue <- task:
		return true
	default:
		slog.Warn("任务队列已满，丢弃本次触发", "task_id", task.ID, "task_type", task.Type)
		return false
	}
}

// worker 工作协程
func (s *TaskScheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.taskQueue:
			s.RunTask(s.ctx, task)
		}
	}
}

// RunTask 同步执行任务，失败时按重试策略延迟重新入队
func (s *TaskScheduler) RunTask(ctx context.Context, task *ScheduleTask) *TaskExecution {
	if !s.acquire(task) {
		slog.Info("任务正在执行，跳过本次触发", "task_id", task.ID)
		return nil
	}
	defer s.release(task)

	execution := &TaskExecution{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		TaskType:   task.Type,
		StartTime:  s.now(),
		RetryCount: s.retryManager.GetRetryCount(task.ID),
	}
	result, err := s.taskExecutor.Execute(ctx, task)
	endTime := s.now()
	execution.EndTime = &endTime
	execution.Duration = endTime.Sub(execution.StartTime)

	if err != nil {
		execution.Status = "failed"
		execution.ErrorMsg = err.Error()
		slog.Error("调度任务执行失败", "task_id", task.ID, "task_type", task.Type, "error", err)
		if s.retryManager.ShouldRetry(task.ID, err) {
			s.scheduleRetry(task, s.retryManager.NextDelay(task.ID))
		} else {
			s.retryManager.ClearRetryCount(task.ID)
		}
	} else {
		execution.Status = "success"
		execution.Result = result
		s.retryManager.ClearRetryCount(task.ID)
	}
	s.recordExecution(task, execution)
	return execution
}

func (s *TaskScheduler) scheduleRetry(task *ScheduleTask, delay time.Duration) {
	slog.Info("调度任务将重试", "task_id", task.ID, "delay", delay)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.Submit(task)
		case <-s.ctx.Done():
		}
	}()
}

func (s *TaskScheduler) acquire(task *ScheduleTask) bool {
	s.taskMutex.Lock()
	defer s.taskMutex.Unlock()
	if s.running[task.ID] {
		return false
	}
	s.running[task.ID] = true
	task.Status = "running"
	return true
}

func (s *TaskScheduler) release(task *ScheduleTask) {
	s.taskMutex.Lock()
	defer s.taskMutex.Unlock()
	delete(s.running, task.ID)
	task.Status = "enabled"
}

// recordExecution 记录执行历史，只保留最近的记录
func (s *TaskScheduler) recordExecution(task *ScheduleTask, execution *TaskExecution) {
	s.taskMutex.Lock()
	defer s.taskMutex.Unlock()
	task.LastRunTime = execution.EndTime
	s.history = append(s.history, *execution)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// GetExecutions 最近的执行记录，新记录在前
func (s *TaskScheduler) GetExecutions(limit int) []TaskExecution {
	s.taskMutex.Lock()
	defer s.taskMutex.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]TaskExecution, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// GetScheduledTasks 获取所有调度任务
func (s *TaskScheduler) GetScheduledTasks() map[string]ScheduleTask {
	s.taskMutex.Lock()
	defer s.taskMutex.Unlock()
	result := make(map[string]ScheduleTask, len(s.tasks))
	for k, v := range s.tasks {
		result[k] = *v
	}
	return result
}

// Forget 移除任务登记
func (s *TaskScheduler) Forget(taskID string) {
	s.taskMutex.Lock()
	defer s.taskMutex.Unlock()
	delete(s.tasks, taskID)
}

// Stop 停止调度器并等待工作协程退出
func (s *TaskScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
