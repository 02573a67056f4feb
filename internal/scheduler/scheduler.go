package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"riskd/internal/audit"
	"riskd/internal/config"
	"riskd/internal/killswitch"
	"riskd/internal/metrics"
	"riskd/internal/risk"
)

// Scheduler 按固定周期驱动风控评估。单个账户的失败只影响自身，
// 任何错误都不会让轮询停摆。
type Scheduler struct {
	interval      time.Duration
	maxConcurrent int
	accounts      []string

	engine   *risk.Engine
	kill     *killswitch.Service
	provider PnlProvider
	audit    *audit.Service
	logger   *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New 创建调度器。provider 为 nil 时使用零盈亏实现。
func New(cfg config.SchedulerConfig, accounts []string, engine *risk.Engine, kill *killswitch.Service, provider PnlProvider, auditSvc *audit.Service, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if provider == nil {
		provider = ZeroProvider{}
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	maxConcurrent := cfg.MaxConcurrentAccounts
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	return &Scheduler{
		interval:      interval,
		maxConcurrent: maxConcurrent,
		accounts:      accounts,
		engine:        engine,
		kill:          kill,
		provider:      provider,
		audit:         auditSvc,
		logger:        logger,
	}
}

// Start 启动轮询，重复调用为空操作。
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	// SkipIfStillRunning 保证上一轮未结束时不叠加新一轮。
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.tick); err != nil {
		return fmt.Errorf("scheduler: 注册轮询任务失败: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info("风控轮询已启动",
		zap.Duration("interval", s.interval),
		zap.Int("accounts", len(s.accounts)),
	)
	return nil
}

// Stop 停止轮询并等待进行中的一轮结束，重复调用为空操作。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.cron = nil
	s.running = false
	s.logger.Info("风控轮询已停止")
}

// Running 返回调度器是否在运行。
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tick 为一轮评估。不挂到外部 context 上：停止调度只是不再派发新一轮，
// 已经开始的数据库写入允许完整结束。
func (s *Scheduler) tick() {
	metrics.Ticks.Inc()
	ctx := context.Background()

	var g errgroup.Group
	g.SetLimit(s.maxConcurrent)

	for _, accountID := range s.accounts {
		accountID := accountID
		g.Go(func() error {
			s.enforce(ctx, accountID)
			return nil
		})
	}

	_ = g.Wait()
}

// enforce 评估单个账户。所有失败在此兜底，只记录不上抛。
func (s *Scheduler) enforce(ctx context.Context, accountID string) {
	th, err := s.engine.GetOrCreate(ctx, accountID)
	if err != nil {
		s.logger.Error("读取风控阈值失败", zap.String("account", accountID), zap.Error(err))
		return
	}

	totalPnl, err := s.provider.TotalPnl(ctx, accountID)
	if err != nil {
		s.logger.Error("获取账户盈亏失败", zap.String("account", accountID), zap.Error(err))
		return
	}

	perPosition, err := s.provider.PerPositionPnl(ctx, accountID)
	if err != nil {
		s.logger.Error("获取持仓盈亏失败", zap.String("account", accountID), zap.Error(err))
		return
	}

	for _, breach := range risk.Evaluate(th, totalPnl, perPosition) {
		metrics.Breaches.WithLabelValues(string(breach.Kind)).Inc()

		if breach.Total() {
			if _, err := s.kill.Activate(ctx, accountID, breach.Reason()); err != nil {
				s.logger.Error("激活 kill switch 失败",
					zap.String("account", accountID),
					zap.String("reason", breach.Reason()),
					zap.Error(err),
				)
			}
			continue
		}

		// 持仓级越界不升级为全局 kill switch，只产生告警，留给操作者处理。
		field := []zap.Field{
			zap.String("account", accountID),
			zap.String("symbol", breach.Symbol),
			zap.Float64("pnl", breach.Pnl),
			zap.Float64("trigger", breach.Trigger),
		}
		if breach.Kind == risk.BreachPositionLoss {
			s.logger.Warn(risk.ReasonPositionLoss, field...)
		} else {
			s.logger.Info(risk.ReasonPositionProfit, field...)
		}

		if s.audit != nil {
			s.audit.RecordBestEffort(ctx, audit.Entry{
				AccountID: accountID,
				Event:     breach.Reason(),
				Detail:    fmt.Sprintf("symbol=%s pnl=%.2f trigger=%.2f", breach.Symbol, breach.Pnl, breach.Trigger),
				Success:   true,
			})
		}
	}
}
