/*
 * @module service/init
 * @description 服务装配模块，负责数据库连接、迁移以及各推送服务的依赖注入
 * @architecture 分层架构 - 服务层
 * @documentReference ai_docs/push_design.md
 * @stateFlow 加载配置 -> 连接数据库 -> 迁移 -> 构建存储/锁/限流 -> 构建服务 -> 启动调度器
 * @rules
 *   - 不使用包级全局变量，所有服务由 Container 持有并显式传递
 *   - Redis 未启用时分布式锁与限流退化为进程内实现
 * @dependencies gorm.io/gorm, github.com/go-redis/redis/v8
 * @refs main.go, api/routes.go
 */

package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"datapush-service/monitor_client"
	"datapush-service/service/audit"
	"datapush-service/service/change_detect"
	"datapush-service/service/config"
	"datapush-service/service/database"
	"datapush-service/service/distributed_lock"
	"datapush-service/service/models"
	"datapush-service/service/push_pipeline"
	"datapush-service/service/push_router"
	"datapush-service/service/push_target"
	"datapush-service/service/rate_limiter"
	"datapush-service/service/scheduler"
	"datapush-service/service/utils"
	"datapush-service/service/verification"
)

// Container 服务容器
type Container struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client

	Audit         audit.Sink
	Limiter       rate_limiter.Limiter
	Targets       *push_target.Registry
	Results       *push_router.GormResultStore
	Router        *push_router.Router
	Sources       change_detect.SourceStore
	Detector      *change_detect.ChangeDetector
	Gate          *change_detect.PermissionGate
	Verifier      *verification.Verifier
	Verifications verification.ResultStore
	Confirmer     *verification.Confirmer
	Rollbacks     *verification.RollbackManager
	Pipeline      *push_pipeline.Pipeline
	Scheduler     *scheduler.SchedulerService
	Monitor       *monitor_client.Client
}

// NewContainer 连接数据库、完成迁移并装配全部服务
func NewContainer(cfg *config.Config) (*Container, error) {
	db, err := database.Open(cfg.DB, cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.DB.Driver == "postgres" && cfg.DB.URL == "" {
		if err := database.EnsureSchema(db, cfg.DB.Schema); err != nil {
			return nil, err
		}
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	if err := database.InitializeData(db); err != nil {
		return nil, fmt.Errorf("基础数据初始化失败: %w", err)
	}
	return NewContainerWithDB(cfg, db)
}

// NewContainerWithDB 使用已迁移的数据库装配服务
func NewContainerWithDB(cfg *config.Config, db *gorm.DB) (*Container, error) {
	c := &Container{Config: cfg, DB: db, Audit: audit.NewGormSink(db)}

	var lock distributed_lock.DistributedLock
	if cfg.Redis.Enabled {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.Redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("连接Redis失败: %w", err)
		}
		lock = distributed_lock.NewRedisLock(c.Redis)
		c.Limiter = rate_limiter.NewRedisRateLimiter(c.Redis)
	} else {
		lock = distributed_lock.NewLocalLock()
		c.Limiter = rate_limiter.NewLocalRateLimiter()
	}

	pc := cfg.Push
	c.Targets = push_target.NewRegistry(push_target.Options{
		Targets:         push_target.NewGormTargetStore(db),
		Routes:          push_target.NewGormRouteStore(db),
		Crypto:          utils.NewCryptoUtils(cfg.Crypto.Key, cfg.Crypto.Salt),
		SensitiveFields: cfg.Crypto.SensitiveFields,
		Audit:           c.Audit,
		Breaker: push_target.BreakerConfig{
			Threshold:   pc.BreakerThreshold,
			BaseBackoff: pc.BreakerBaseBackoff,
			MaxBackoff:  pc.BreakerMaxBackoff,
		},
		DeliveryTimeout: pc.DeliveryTimeout,
	})

	c.Results = push_router.NewGormResultStore(db)
	c.Router = push_router.NewRouter(push_router.Options{
		Targets: c.Targets,
		Results: c.Results,
		Metrics: push_router.NewMemoryMetricsStore(),
		Limiter: c.Limiter,
		Config: push_router.Config{
			HighPriorityThreshold: pc.HighPriorityThreshold,
			LargePayloadBytes:     pc.LargePayloadBytes,
			FallbackTargetCount:   pc.FallbackTargetCount,
		},
	})

	cd := change_detect.NewGormStore(db)
	c.Sources = cd.Sources()
	c.Detector = change_detect.NewChangeDetector(change_detect.DetectorOptions{
		Sources:     c.Sources,
		Checkpoints: cd.Checkpoints(),
		Lock:        lock,
		LockTTL:     pc.DetectionLockTTL,
	})
	c.Gate = change_detect.NewPermissionGate(cd.Policies(), c.Audit, pc.PolicyCacheSize, pc.PolicyCacheTTL, nil)

	vs := verification.NewGormStore(db)
	c.Verifications = vs.Results()
	c.Verifier = verification.NewVerifier(verification.Options{
		Rules:   vs.Rules(),
		Results: c.Verifications,
		Reader:  c.Targets,
	})
	c.Confirmer = verification.NewConfirmer(vs.Confirmations(), c.Audit, pc.ConfirmationTimeout, nil)
	c.Rollbacks = verification.NewRollbackManager(vs.Rollbacks(), vs.Confirmations(), c.Targets, c.Audit, nil)

	c.Pipeline = push_pipeline.New(push_pipeline.Options{
		Detector:  c.Detector,
		Gate:      c.Gate,
		Router:    c.Router,
		Verifier:  c.Verifier,
		Confirmer: c.Confirmer,
		Rollbacks: c.Rollbacks,
		Audit:     c.Audit,
	})

	c.Monitor = monitor_client.NewClient(cfg.Monitor.VictoriaMetricsURL, cfg.Monitor.LokiURL, cfg.Monitor.QueryTimeout)

	c.Scheduler = scheduler.NewSchedulerService(cfg.Scheduler, scheduler.Deps{
		Targets:               c.Targets,
		Confirmations:         c.Confirmer,
		Results:               c.Results,
		Rollbacks:             c.Rollbacks,
		Sources:               c.Sources,
		Detect:                c.runScheduledDetection,
		Locks:                 distributed_lock.NewLockExecutor(lock),
		PlanRollbackOnTimeout: pc.PlanRollbackOnTimeout,
	})
	return c, nil
}

func (c *Container) runScheduledDetection(ctx context.Context, source *models.ChangeSource) (*models.PushExecution, error) {
	res, err := c.Pipeline.Run(ctx, &push_pipeline.Request{
		TenantID: source.TenantID,
		SourceID: source.ID,
		Identity: change_detect.Identity{ID: audit.SystemActor().ID},
	})
	if res == nil {
		return nil, err
	}
	return res.Execution, err
}

// Start 启动后台任务
func (c *Container) Start() error {
	if !c.Config.Scheduler.Enabled {
		slog.Info("调度器未启用")
		return nil
	}
	return c.Scheduler.Start()
}

// Close 停止后台任务并释放连接
func (c *Container) Close() {
	c.Scheduler.Stop()
	c.Targets.Close()
	if c.Redis != nil {
		c.Redis.Close()
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		sqlDB.Close()
	}
	slog.Info("服务已关闭")
}
