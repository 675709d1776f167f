package worker

import (
	"context"
	"fmt"
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"tutor-platform/internal/app"
	"tutor-platform/pkg/config"
	"tutor-platform/pkg/log"
	"tutor-platform/pkg/tracing"
)

// App Worker 应用：消费 Redis 派发队列并执行 Chat Job
type App struct {
	config  *config.Config
	logger  *log.Logger
	boot    *app.Bootstrap
	workers *app.Workers
	cancel  context.CancelFunc
	tracer  *sdktrace.TracerProvider
}

// NewApp 创建新的 Worker 应用
func NewApp(cfg *config.Config) (*App, error) {
	if cfg != nil && cfg.Queue.Backend != "rq" {
		return nil, fmt.Errorf("worker 进程要求 queue.backend=rq（inline 队列只在 API 进程内消费）")
	}
	boot, err := app.NewBootstrap(cfg)
	if err != nil {
		return nil, err
	}
	workers, err := app.NewWorkers(context.Background(), boot)
	if err != nil {
		return nil, fmt.Errorf("装配 Worker 失败: %w", err)
	}

	appObj := &App{
		config:  cfg,
		logger:  boot.Logger,
		boot:    boot,
		workers: workers,
	}

	// 可选：启用链路追踪；Worker 无 Hertz 集成，直接初始化 OTLP pipeline
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "tutor-worker"
		}
		endpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint != "" {
			tp, err := tracing.InitTracer(tracing.OTelConfig{
				ServiceName:    serviceName,
				ExportEndpoint: endpoint,
				Insecure:       cfg.Monitoring.Tracing.Insecure,
			})
			if err != nil {
				boot.Logger.Warn("初始化链路追踪失败", "error", err)
			} else {
				appObj.tracer = tp
				boot.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
			}
		}
	}
	return appObj, nil
}

// Start 启动 Worker 池
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用", "pool_size", a.config.Chat.WorkerPoolSize)
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.workers.Start(ctx)
	a.logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用。被打断的 Job 不写终态，下次启动的恢复扫描接续。
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")
	if a.cancel != nil {
		a.cancel()
	}
	a.workers.Stop()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("关闭链路追踪失败", "error", err)
		}
	}
	if err := a.boot.Close(); err != nil {
		a.logger.Error("释放连接失败", "error", err)
	}
	a.logger.Info("worker 应用关闭成功")
	return nil
}
