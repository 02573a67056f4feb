package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"riskd/internal/config"
	"riskd/internal/store"
)

// Engine 负责维护各账户的风控阈值并给出越界判定。
// 所有修改操作都在单账户事务内完成读-改-写。
type Engine struct {
	db       *sql.DB
	defaults config.RiskConfig
	logger   *zap.Logger

	now func() time.Time
}

// NewEngine 创建风控引擎并初始化表结构。
func NewEngine(cfg config.RiskConfig, st *store.Store, logger *zap.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		db:       st.DB(),
		defaults: cfg,
		logger:   logger,
		now:      time.Now,
	}

	if err := e.initSchema(); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS risk_thresholds (
	account_id TEXT PRIMARY KEY,
	max_daily_total_loss REAL NOT NULL,
	max_daily_loss_per_position REAL NOT NULL,
	per_position_daily_profit_target REAL NOT NULL,
	max_daily_total_profit_target REAL NOT NULL,
	locked INTEGER NOT NULL DEFAULT 0,
	locked_until TEXT,
	updated_at TEXT NOT NULL
);`
	if _, err := e.db.Exec(stmt); err != nil {
		return fmt.Errorf("risk: 初始化表结构失败: %w", err)
	}
	return nil
}

type rowQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ensureRow 以 insert-or-fetch 的方式保证账户行存在，返回当前值。
// 主键冲突直接忽略，并发首次访问不会产生重复行。
func (e *Engine) ensureRow(ctx context.Context, q rowQuerier, accountID string) (Thresholds, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO risk_thresholds
			(account_id, max_daily_total_loss, max_daily_loss_per_position,
			 per_position_daily_profit_target, max_daily_total_profit_target,
			 locked, locked_until, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, NULL, ?)
		 ON CONFLICT(account_id) DO NOTHING`,
		accountID,
		e.defaults.MaxDailyTotalLoss,
		e.defaults.MaxDailyLossPerPosition,
		e.defaults.PerPositionDailyProfitTarget,
		e.defaults.MaxDailyTotalProfitTarget,
		e.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Thresholds{}, fmt.Errorf("risk: 创建默认阈值失败: %w", err)
	}

	return scanThresholds(q.QueryRowContext(ctx,
		`SELECT account_id, max_daily_total_loss, max_daily_loss_per_position,
			per_position_daily_profit_target, max_daily_total_profit_target,
			locked, locked_until, updated_at
		 FROM risk_thresholds WHERE account_id = ?`, accountID))
}

func scanThresholds(row *sql.Row) (Thresholds, error) {
	var (
		th          Thresholds
		lockedInt   int
		lockedUntil sql.NullString
		updatedAt   string
	)

	err := row.Scan(
		&th.AccountID,
		&th.MaxDailyTotalLoss,
		&th.MaxDailyLossPerPosition,
		&th.PerPositionDailyProfitTarget,
		&th.MaxDailyTotalProfitTarget,
		&lockedInt,
		&lockedUntil,
		&updatedAt,
	)
	if err != nil {
		return Thresholds{}, fmt.Errorf("risk: 读取阈值失败: %w", err)
	}

	th.Locked = lockedInt == 1
	if lockedUntil.Valid {
		ts, parseErr := time.Parse(time.RFC3339, lockedUntil.String)
		if parseErr != nil {
			return Thresholds{}, fmt.Errorf("risk: 解析锁定时间失败: %w", parseErr)
		}
		th.LockedUntil = &ts
	}
	if ts, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		th.UpdatedAt = ts
	}

	return th, nil
}

// GetOrCreate 返回账户阈值，不存在时以进程默认值创建。
func (e *Engine) GetOrCreate(ctx context.Context, accountID string) (Thresholds, error) {
	return e.ensureRow(ctx, e.db, accountID)
}

// UpdateThresholds 应用部分字段更新。锁定期内拒绝修改（先做一次到期解锁检查），
// 负数阈值在任何写入发生前被拒绝。
func (e *Engine) UpdateThresholds(ctx context.Context, accountID string, upd Update) (Thresholds, error) {
	for name, v := range map[string]*float64{
		"max_daily_total_loss":             upd.MaxDailyTotalLoss,
		"max_daily_loss_per_position":      upd.MaxDailyLossPerPosition,
		"per_position_daily_profit_target": upd.PerPositionDailyProfitTarget,
		"max_daily_total_profit_target":    upd.MaxDailyTotalProfitTarget,
	} {
		if v != nil && *v < 0 {
			return Thresholds{}, fmt.Errorf("%w: %s", ErrNegativeThreshold, name)
		}
	}

	var result Thresholds

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		th, err := e.ensureRow(ctx, tx, accountID)
		if err != nil {
			return err
		}

		th = e.expireLock(th)
		if th.Locked {
			return ErrLocked
		}

		if upd.MaxDailyTotalLoss != nil {
			th.MaxDailyTotalLoss = *upd.MaxDailyTotalLoss
		}
		if upd.MaxDailyLossPerPosition != nil {
			th.MaxDailyLossPerPosition = *upd.MaxDailyLossPerPosition
		}
		if upd.PerPositionDailyProfitTarget != nil {
			th.PerPositionDailyProfitTarget = *upd.PerPositionDailyProfitTarget
		}
		if upd.MaxDailyTotalProfitTarget != nil {
			th.MaxDailyTotalProfitTarget = *upd.MaxDailyTotalProfitTarget
		}
		th.UpdatedAt = e.now().UTC()

		if err := e.writeRow(ctx, tx, th); err != nil {
			return err
		}

		result = th
		return nil
	})
	if err != nil {
		return Thresholds{}, err
	}

	return result, nil
}

// LockUntilNextDay 将阈值锁定到次日 lock_hour 点（本地时间）。
// 已锁定时为幂等操作，返回现有锁不做任何修改。
func (e *Engine) LockUntilNextDay(ctx context.Context, accountID string) (Thresholds, error) {
	var result Thresholds

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		th, err := e.ensureRow(ctx, tx, accountID)
		if err != nil {
			return err
		}

		if th.Locked {
			result = th
			return nil
		}

		now := e.now()
		next := now.AddDate(0, 0, 1)
		lockUntil := time.Date(next.Year(), next.Month(), next.Day(), e.lockHour(), 0, 0, 0, now.Location())

		th.Locked = true
		th.LockedUntil = &lockUntil
		th.UpdatedAt = now.UTC()

		if err := e.writeRow(ctx, tx, th); err != nil {
			return err
		}

		e.logger.Info("风控阈值已锁定",
			zap.String("account", accountID),
			zap.Time("locked_until", lockUntil),
		)

		result = th
		return nil
	})
	if err != nil {
		return Thresholds{}, err
	}

	return result, nil
}

// UnlockIfExpired 在锁定到期后清除锁定状态，未到期则不做修改。
func (e *Engine) UnlockIfExpired(ctx context.Context, accountID string) (Thresholds, error) {
	var result Thresholds

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		th, err := e.ensureRow(ctx, tx, accountID)
		if err != nil {
			return err
		}

		unlocked := e.expireLock(th)
		if unlocked.Locked == th.Locked {
			result = th
			return nil
		}

		unlocked.UpdatedAt = e.now().UTC()
		if err := e.writeRow(ctx, tx, unlocked); err != nil {
			return err
		}

		e.logger.Info("风控锁定已到期解除", zap.String("account", accountID))

		result = unlocked
		return nil
	})
	if err != nil {
		return Thresholds{}, err
	}

	return result, nil
}

// EvaluateAccount 读取账户阈值并对给定盈亏读数做越界判定。
func (e *Engine) EvaluateAccount(ctx context.Context, accountID string, totalPnl float64, perPosition map[string]float64) ([]Breach, error) {
	th, err := e.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return Evaluate(th, totalPnl, perPosition), nil
}

func (e *Engine) expireLock(th Thresholds) Thresholds {
	if th.Locked && th.LockedUntil != nil && !e.now().Before(*th.LockedUntil) {
		th.Locked = false
		th.LockedUntil = nil
	}
	return th
}

func (e *Engine) lockHour() int {
	if e.defaults.LockHour < 0 || e.defaults.LockHour > 23 {
		return 17
	}
	return e.defaults.LockHour
}

func (e *Engine) writeRow(ctx context.Context, tx *sql.Tx, th Thresholds) error {
	var lockedUntil interface{}
	if th.LockedUntil != nil {
		lockedUntil = th.LockedUntil.Format(time.RFC3339)
	}

	locked := 0
	if th.Locked {
		locked = 1
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE risk_thresholds
		 SET max_daily_total_loss = ?, max_daily_loss_per_position = ?,
		     per_position_daily_profit_target = ?, max_daily_total_profit_target = ?,
		     locked = ?, locked_until = ?, updated_at = ?
		 WHERE account_id = ?`,
		th.MaxDailyTotalLoss,
		th.MaxDailyLossPerPosition,
		th.PerPositionDailyProfitTarget,
		th.MaxDailyTotalProfitTarget,
		locked,
		lockedUntil,
		th.UpdatedAt.Format(time.RFC3339),
		th.AccountID,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入阈值失败: %w", err)
	}
	return nil
}

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("risk: 开启事务失败: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("risk: 提交事务失败: %w", err)
	}
	return nil
}
