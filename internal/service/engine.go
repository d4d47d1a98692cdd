package service

import (
	"context"
	"fmt"

	"wisefido-alert/internal/dispatcher"
	"wisefido-alert/internal/metrics"
	"wisefido-alert/internal/query"
	"wisefido-alert/internal/repository"
	"wisefido-alert/internal/scheduler"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Stores 引擎依赖的存储
type Stores struct {
	Alerts    repository.AlertRepository
	Hospitals repository.HospitalRepository
	Policies  repository.PolicyRepository
}

// EngineConfig 引擎配置
type EngineConfig struct {
	Scheduler  scheduler.Config
	Dispatcher dispatcher.Config
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Scheduler:  scheduler.DefaultConfig(),
		Dispatcher: dispatcher.DefaultConfig(),
	}
}

// Engine 报警引擎：命令服务 + 升级调度 + 事件分发 + 查询
type Engine struct {
	Alerts     AlertService
	Queries    *query.Service
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatcher.Dispatcher
	Recorder   *metrics.Recorder

	logger *zap.Logger
}

// NewEngine 组装引擎；clk 为 nil 时使用系统时钟
func NewEngine(cfg EngineConfig, stores Stores, clk clock.Clock, recorder *metrics.Recorder, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	sched := scheduler.NewScheduler(cfg.Scheduler, clk, stores.Alerts, recorder, logger.Named("scheduler"))
	disp := dispatcher.NewDispatcher(cfg.Dispatcher, recorder, logger.Named("dispatcher"))
	alerts := NewAlertService(stores.Alerts, stores.Hospitals, stores.Policies, sched, disp, recorder, clk, logger.Named("alerts"))

	return &Engine{
		Alerts:     alerts,
		Queries:    query.NewService(stores.Alerts, stores.Hospitals, clk, logger.Named("query")),
		Scheduler:  sched,
		Dispatcher: disp,
		Recorder:   recorder,
		logger:     logger,
	}
}

// Run 从存储重建升级期限，然后运行调度循环，阻塞直到 ctx 取消
func (e *Engine) Run(ctx context.Context) error {
	n, err := e.Scheduler.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild escalation schedule: %w", err)
	}
	e.logger.Info("Alert engine started", zap.Int("active_alerts", n))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Scheduler.Run(gctx, e.Alerts)
	})
	g.Go(func() error {
		e.watchFailures(gctx)
		return nil
	})
	return g.Wait()
}

// Shutdown 排空分发队列
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Dispatcher.Close(ctx)
	e.logger.Info("Alert engine stopped", zap.Error(err))
	return err
}

// watchFailures 记录异步失败（调度 / 分发）
func (e *Engine) watchFailures(ctx context.Context) {
	failures := e.Recorder.Failures()
	if failures == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case fr := <-failures:
			e.logger.Warn("Async failure reported",
				zap.String("kind", string(fr.Kind)),
				zap.String("alert_id", fr.AlertID),
				zap.String("subscriber", fr.Subscriber),
				zap.Time("at", fr.At),
				zap.Error(fr.Err),
			)
		}
	}
}
