package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	daprd "github.com/dapr/go-sdk/service/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"datapush-service/api"
	"datapush-service/logger"
	"datapush-service/service"
	"datapush-service/service/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	logger.InitLogger(cfg.App.LogLevel)

	container, err := service.NewContainer(cfg)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	defer container.Close()
	if err := container.Start(); err != nil {
		log.Fatalf("启动后台任务失败: %v", err)
	}

	mux := chi.NewRouter()

	// 如果有BASE_CONTEXT，则在该路径下挂载所有路由
	if cfg.App.BaseContext != "" {
		mux.Route(cfg.App.BaseContext, func(r chi.Router) {
			subMux := r.(*chi.Mux)
			api.InitRoute(subMux, container)
			r.Handle("/metrics", promhttp.Handler())
		})
	} else {
		api.InitRoute(mux, container)
		mux.Handle("/metrics", promhttp.Handler())
	}

	s := daprd.NewServiceWithMux(":"+strconv.Itoa(cfg.App.ListenPort), mux)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		slog.Info("收到退出信号，开始关闭服务")
		if err := s.GracefulStop(); err != nil {
			slog.Error("关闭HTTP服务失败", "error", err)
		}
	}()

	slog.Info("服务启动", "port", cfg.App.ListenPort, "base_context", cfg.App.BaseContext)
	if err := s.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("error: %v", err)
	}
}
