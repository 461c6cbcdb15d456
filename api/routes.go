/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @documentReference ai_docs/push_design.md
 * @stateFlow 无状态HTTP请求处理
 * @rules
 *   - 遵循RESTful API设计规范，统一错误处理和响应格式
 *   - 业务接口经过身份解析与租户限流
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 * @refs service/init.go
 */

package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"datapush-service/api/controllers"
	"datapush-service/api/middleware"
	"datapush-service/service"
)

// InitRoute 初始化所有API路由
func InitRoute(r *chi.Mux, c *service.Container) {
	// 基础中间件
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Tenant-ID", "X-User-ID"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// 健康检查
	healthController := controllers.NewHealthController(c.DB)
	r.Get("/health", healthController.Health)
	r.Get("/ready", healthController.Ready)

	// 元数据
	r.Route("/meta", func(r chi.Router) {
		metaController := controllers.NewMetaController()
		r.Get("/target-types", metaController.GetTargetTypes)
		r.Get("/load-balancing-strategies", metaController.GetLoadBalancingStrategies)
		r.Get("/verification-rule-types", metaController.GetVerificationRuleTypes)
	})

	auth := c.Config.Auth
	identity := middleware.NewIdentityMiddleware(auth.JWTSecret, auth.JWTIssuer, auth.Required)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Use(middleware.RateLimit(c.Limiter, c.Config.App.RateLimitPerMinute))

		// 推送目标与路由规则
		targetController := controllers.NewTargetController(c.Targets)
		r.Route("/targets", func(r chi.Router) {
			r.Post("/", targetController.CreateTarget)
			r.Get("/", targetController.ListTargets)
			r.Post("/health-check", targetController.RunHealthChecks)
			r.Get("/{id}", targetController.GetTarget)
			r.Put("/{id}", targetController.UpdateTarget)
			r.Delete("/{id}", targetController.DeleteTarget)
		})
		r.Route("/routes", func(r chi.Router) {
			r.Post("/", targetController.CreateRoute)
			r.Get("/", targetController.ListRoutes)
			r.Get("/{id}", targetController.GetRoute)
			r.Put("/{id}", targetController.UpdateRoute)
			r.Delete("/{id}", targetController.DeleteRoute)
		})

		// 推送执行
		verificationController := controllers.NewVerificationController(controllers.VerificationDeps{
			Verifier:      c.Verifier,
			Verifications: c.Verifications,
			Confirmer:     c.Confirmer,
			Rollbacks:     c.Rollbacks,
			Pipeline:      c.Pipeline,
			Results:       c.Results,
		})
		pushController := controllers.NewPushController(c.Pipeline, c.Detector, c.Results, c.Verifications, c.Rollbacks, c.Monitor, c.Config.Monitor.LokiSelector)
		r.Route("/push", func(r chi.Router) {
			r.Post("/detect", pushController.Detect)
			r.Post("/execute", pushController.Execute)
			r.Get("/{id}/results", pushController.GetResults)
			r.Get("/{id}/logs", pushController.GetLogs)
			r.Post("/{id}/verify", pushController.Verify)
			r.Get("/{id}/rollbacks", verificationController.ListRollbacks)
		})

		// 校验规则、确认与回滚
		r.Route("/verification-rules", func(r chi.Router) {
			r.Post("/", verificationController.CreateRule)
			r.Get("/", verificationController.ListRules)
			r.Get("/{ruleID}", verificationController.GetRule)
			r.Put("/{ruleID}", verificationController.UpdateRule)
			r.Delete("/{ruleID}", verificationController.DeleteRule)
		})
		r.Route("/confirmations", func(r chi.Router) {
			r.Get("/{pushID}", verificationController.GetConfirmation)
			r.Post("/{pushID}/confirm", verificationController.Confirm)
		})
		r.Route("/rollbacks", func(r chi.Router) {
			r.Post("/", verificationController.CreateRollback)
			r.Get("/{rollbackID}", verificationController.GetRollback)
			r.Post("/{rollbackID}/execute", verificationController.ExecuteRollback)
		})

		// 变更源与权限策略
		var reloader controllers.SourceReloader
		if c.Config.Scheduler.Enabled && c.Config.Scheduler.DetectionEnabled {
			reloader = c.Scheduler
		}
		sourceController := controllers.NewSourceController(c.Detector, c.Gate, reloader)
		r.Route("/sources", func(r chi.Router) {
			r.Post("/", sourceController.CreateSource)
			r.Get("/", sourceController.ListSources)
			r.Get("/categories", sourceController.ListCategories)
			r.Get("/{id}", sourceController.GetSource)
			r.Delete("/{id}", sourceController.DeleteSource)
			r.Get("/{id}/executions", sourceController.ListExecutions)
		})
		r.Route("/policies", func(r chi.Router) {
			r.Put("/", sourceController.SavePolicy)
			r.Get("/", sourceController.ListPolicies)
			r.Delete("/{identity}/{targetID}", sourceController.DeletePolicy)
			r.Post("/{identity}/{targetID}/invalidate", sourceController.InvalidatePolicy)
		})

		// 统计
		statisticsController := controllers.NewStatisticsController(c.Router, c.Targets, c.Verifier, c.Scheduler.Queue(), c.Monitor)
		r.Route("/statistics", func(r chi.Router) {
			r.Get("/routing", statisticsController.Routing)
			r.Get("/targets/{id}", statisticsController.Target)
			r.Get("/verification", statisticsController.Verification)
			r.Get("/scheduler", statisticsController.Scheduler)
			r.Get("/delivery-trend", statisticsController.DeliveryTrend)
		})
	})
}
