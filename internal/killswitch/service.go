package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"riskd/internal/metrics"
	"riskd/internal/store"
)

// Status 表示单个账户的 kill switch 状态。
type Status struct {
	AccountID string    `json:"accountId"`
	IsActive  bool      `json:"isActive"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event 为一条只追加的 kill switch 操作记录。
type Event struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"accountId"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// 事件动作。
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
)

// Halter 执行激活后的全量止损动作。
type Halter interface {
	ExecuteFullHalt(ctx context.Context, accountID string)
}

// Service 维护 kill switch 状态机与事件审计，并在激活时触发全量止损。
type Service struct {
	db     *sql.DB
	halter Halter
	gate   *OrderGate
	logger *zap.Logger

	now func() time.Time
}

// NewService 创建 kill switch 服务并初始化表结构。halter 可为 nil（纯状态机模式）。
func NewService(st *store.Store, halter Halter, gate *OrderGate, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("killswitch: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = NewOrderGate()
	}

	s := &Service{
		db:     st.DB(),
		halter: halter,
		gate:   gate,
		logger: logger,
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS kill_switch_status (
	account_id TEXT PRIMARY KEY,
	is_active INTEGER NOT NULL DEFAULT 0,
	reason TEXT,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kill_switch_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kill_switch_events_account ON kill_switch_events(account_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("killswitch: 初始化表结构失败: %w", err)
	}
	return nil
}

// Gate 返回新订单闸门。
func (s *Service) Gate() *OrderGate {
	return s.gate
}

// GetStatus 返回账户状态，不存在时以未激活状态创建。
func (s *Service) GetStatus(ctx context.Context, accountID string) (Status, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kill_switch_status (account_id, is_active, reason, updated_at)
		 VALUES (?, 0, NULL, ?)
		 ON CONFLICT(account_id) DO NOTHING`,
		accountID, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Status{}, fmt.Errorf("killswitch: 创建状态行失败: %w", err)
	}

	return s.fetch(ctx, s.db, accountID)
}

type rowReader interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Service) fetch(ctx context.Context, q rowReader, accountID string) (Status, error) {
	var (
		status    Status
		activeInt int
		reason    sql.NullString
		updatedAt string
	)

	err := q.QueryRowContext(ctx,
		`SELECT account_id, is_active, reason, updated_at FROM kill_switch_status WHERE account_id = ?`,
		accountID,
	).Scan(&status.AccountID, &activeInt, &reason, &updatedAt)
	if err != nil {
		return Status{}, fmt.Errorf("killswitch: 读取状态失败: %w", err)
	}

	status.IsActive = activeInt == 1
	status.Reason = reason.String
	if ts, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		status.UpdatedAt = ts
	}

	return status, nil
}

// Activate 激活 kill switch。已激活时为幂等空操作，保留首次原因且不追加事件；
// 状态提交后触发全量止损，止损失败不影响已提交的状态切换。
func (s *Service) Activate(ctx context.Context, accountID, reason string) (Status, error) {
	if _, err := s.GetStatus(ctx, accountID); err != nil {
		return Status{}, err
	}

	var (
		result     Status
		transition bool
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := s.fetch(ctx, tx, accountID)
		if err != nil {
			return err
		}

		if status.IsActive {
			result = status
			return nil
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE kill_switch_status SET is_active = 1, reason = ?, updated_at = ? WHERE account_id = ?`,
			reason, now.Format(time.RFC3339), accountID,
		); err != nil {
			return fmt.Errorf("killswitch: 更新状态失败: %w", err)
		}

		if err := s.appendEvent(ctx, tx, accountID, ActionActivate, reason, now); err != nil {
			return err
		}

		result = Status{AccountID: accountID, IsActive: true, Reason: reason, UpdatedAt: now}
		transition = true
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	if transition {
		metrics.KillSwitchActivations.Inc()
		s.logger.Warn("kill switch 已激活",
			zap.String("account", accountID),
			zap.String("reason", reason),
		)
		if s.halter != nil {
			s.halter.ExecuteFullHalt(ctx, accountID)
		}
	}

	return result, nil
}

// Deactivate 无条件解除 kill switch 并追加事件。与激活不同，这里没有
// "已解除"守卫，操作者永远可以重置状态；同时重新放开新订单闸门。
func (s *Service) Deactivate(ctx context.Context, accountID, reason string) (Status, error) {
	if _, err := s.GetStatus(ctx, accountID); err != nil {
		return Status{}, err
	}

	var result Status

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE kill_switch_status SET is_active = 0, reason = ?, updated_at = ? WHERE account_id = ?`,
			reason, now.Format(time.RFC3339), accountID,
		); err != nil {
			return fmt.Errorf("killswitch: 更新状态失败: %w", err)
		}

		if err := s.appendEvent(ctx, tx, accountID, ActionDeactivate, reason, now); err != nil {
			return err
		}

		result = Status{AccountID: accountID, IsActive: false, Reason: reason, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	s.gate.Open()
	s.logger.Info("kill switch 已解除",
		zap.String("account", accountID),
		zap.String("reason", reason),
	)

	return result, nil
}

// Events 返回账户最近的 kill switch 事件。
func (s *Service) Events(ctx context.Context, accountID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, action, reason, occurred_at
		 FROM kill_switch_events WHERE account_id = ?
		 ORDER BY id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("killswitch: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			occurredAt string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Action, &e.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("killswitch: 扫描事件失败: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339, occurredAt); parseErr == nil {
			e.OccurredAt = ts
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *Service) appendEvent(ctx context.Context, tx *sql.Tx, accountID, action, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kill_switch_events (account_id, action, reason, occurred_at) VALUES (?, ?, ?, ?)`,
		accountID, action, reason, now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("killswitch: 追加事件失败: %w", err)
	}
	return nil
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("killswitch: 开启事务失败: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("killswitch: 提交事务失败: %w", err)
	}
	return nil
}
