package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"riskd/internal/audit"
	"riskd/internal/broker"
	"riskd/internal/config"
	"riskd/internal/killswitch"
	"riskd/internal/risk"
	"riskd/internal/scheduler"
	"riskd/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配各组件并阻塞运行，直到 ctx 被取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("风控系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.BaseURL),
		zap.Strings("accounts", a.cfg.Risk.Accounts),
	)

	auditSvc, err := audit.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化审计服务失败: %w", err)
	}

	brokerClient, err := broker.NewClient(a.cfg.Broker, a.logger)
	if err != nil {
		return fmt.Errorf("初始化券商客户端失败: %w", err)
	}

	engine, err := risk.NewEngine(a.cfg.Risk, a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化风控引擎失败: %w", err)
	}

	gate := killswitch.NewOrderGate()
	halter := killswitch.NewExecutor(brokerClient, gate, auditSvc, a.logger)

	kill, err := killswitch.NewService(a.store, halter, gate, a.logger)
	if err != nil {
		return fmt.Errorf("初始化 kill switch 失败: %w", err)
	}

	sched := scheduler.New(
		a.cfg.Scheduler,
		a.cfg.Risk.Accounts,
		engine,
		kill,
		scheduler.ZeroProvider{},
		auditSvc,
		a.logger,
	)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	srv := &server{
		engine: engine,
		kill:   kill,
		broker: brokerClient,
		audit:  auditSvc,
		gate:   gate,
		logger: a.logger,
	}
	if err := srv.start(ctx, a.cfg.Server.Port); err != nil {
		return err
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
